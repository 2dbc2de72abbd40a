// Package errorsink records changes that could not be handled.
package errorsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

const suffix = ".error.txt"

// Sink receives terminal failures
type Sink interface {
	Record(seq uint64, changeType types.ChangeType, message string) error
}

// Dir writes one file per failed change: <seq:%010d>.<ChangeType>.error.txt
// holding the last error message.
type Dir struct {
	path string
}

// NewDir creates the directory if needed
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create error folder %q: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// FileName returns the record file name for a change
func FileName(seq uint64, changeType types.ChangeType) string {
	return fmt.Sprintf("%010d.%s%s", seq, changeType, suffix)
}

// Record writes the failure file, replacing any previous record for the same change
func (d *Dir) Record(seq uint64, changeType types.ChangeType, message string) error {
	path := filepath.Join(d.path, FileName(seq, changeType))
	if err := os.WriteFile(path, []byte(message), 0644); err != nil {
		return fmt.Errorf("write error record %q: %w", path, err)
	}
	return nil
}

// Path returns the sink directory
func (d *Dir) Path() string {
	return d.path
}

// Entry is one recorded failure
type Entry struct {
	SequenceID uint64
	ChangeType types.ChangeType
	Message    string
}

// List reads back every record in sequence order
func (d *Dir) List() ([]Entry, error) {
	files, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list error folder %q: %w", d.path, err)
	}

	var entries []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		var seq uint64
		var changeType string
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), ".", 2)
		if len(parts) != 2 {
			continue
		}
		if _, err := fmt.Sscanf(parts[0], "%d", &seq); err != nil {
			continue
		}
		changeType = parts[1]

		raw, err := os.ReadFile(filepath.Join(d.path, name))
		if err != nil {
			return nil, fmt.Errorf("read error record %q: %w", name, err)
		}
		entries = append(entries, Entry{SequenceID: seq, ChangeType: types.ChangeType(changeType), Message: string(raw)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].SequenceID < entries[j].SequenceID })
	return entries, nil
}
