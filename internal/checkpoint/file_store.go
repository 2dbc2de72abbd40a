package checkpoint

// ============================================================================
// FileStore
// Responsibilities:
// 1. Keep the checkpoint as a decimal integer in a plain text file
// 2. Write atomically (temp file + rename) so a crash never corrupts it
// 3. Fall back to 0 when the file is missing or unparsable
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FileStore keeps the checkpoint in a single text file
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a file backed checkpoint store
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Read returns the stored sequence id.
//
// A missing or unparsable file is not an error: the monitor starts over at 0
// and a warning is logged.
func (s *FileStore) Read(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("checkpoint file not found, starting at 0", "path", s.path)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read checkpoint %q: %w", s.path, err)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		s.logger.Warn("could not parse checkpoint file, starting at 0", "path", s.path, "error", err)
		return 0, nil
	}

	s.logger.Info("resuming from checkpoint file", "path", s.path, "sequence_id", id)
	return id, nil
}

// Write persists id.
//
// The value is first written and synced to <path>.tmp, then renamed over the
// real path, which is atomic on POSIX filesystems.
func (s *FileStore) Write(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: could not open %q: %v", ErrWriteFailed, tmpPath, err)
	}

	if _, err := f.WriteString(strconv.FormatUint(id, 10)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: could not write %q: %v", ErrWriteFailed, tmpPath, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: could not sync %q: %v", ErrWriteFailed, tmpPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: could not close %q: %v", ErrWriteFailed, tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: could not replace %q: %v", ErrWriteFailed, s.path, err)
	}

	return nil
}

// exists reports whether a checkpoint file is present
func (s *FileStore) exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the checkpoint file path
func (s *FileStore) Path() string {
	return s.path
}
