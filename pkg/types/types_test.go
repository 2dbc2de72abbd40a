package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeDecodesOrthancPayload(t *testing.T) {
	raw := `{"ChangeType":"NewInstance","Date":"20240102T101010","ID":"a1b2","Path":"/instances/a1b2","ResourceType":"Instance","Seq":42}`

	var c Change
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, uint64(42), c.SequenceID)
	assert.Equal(t, ChangeNewInstance, c.ChangeType)
	assert.Equal(t, ResourceInstance, c.ResourceType)
	assert.Equal(t, "a1b2", c.ResourceID)
	assert.Equal(t, "42 NewInstance a1b2", c.String())
}

func TestParseChangeType(t *testing.T) {
	testCases := []struct {
		in      string
		want    ChangeType
		wantErr bool
	}{
		{"StableStudy", ChangeStableStudy, false},
		{"NewInstance", ChangeNewInstance, false},
		{"StableSeries", ChangeStableSeries, false},
		{"stablestudy", "", true},
		{"", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseChangeType(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
