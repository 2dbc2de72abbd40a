package errorsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "0000000042.NewInstance.error.txt", FileName(42, types.ChangeNewInstance))
	assert.Equal(t, "1234567890.StableStudy.error.txt", FileName(1234567890, types.ChangeStableStudy))
}

func TestRecordAndList(t *testing.T) {
	dir, err := NewDir(filepath.Join(t.TempDir(), "errors"))
	require.NoError(t, err)

	require.NoError(t, dir.Record(12, types.ChangeStableStudy, "peer unreachable"))
	require.NoError(t, dir.Record(3, types.ChangeNewInstance, "first"))
	require.NoError(t, dir.Record(3, types.ChangeNewInstance, "timeout"))

	raw, err := os.ReadFile(filepath.Join(dir.Path(), "0000000003.NewInstance.error.txt"))
	require.NoError(t, err)
	assert.Equal(t, "timeout", string(raw))

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir.Path(), "README"), []byte("x"), 0644))

	entries, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{SequenceID: 3, ChangeType: types.ChangeNewInstance, Message: "timeout"},
		{SequenceID: 12, ChangeType: types.ChangeStableStudy, Message: "peer unreachable"},
	}, entries)
}

func TestRecordFailure(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir.Path()))

	assert.Error(t, dir.Record(1, types.ChangeNewInstance, "x"))
}
