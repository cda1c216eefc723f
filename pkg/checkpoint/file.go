package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FileStore keeps each checkpoint in its own plain-text file holding one
// decimal integer.
type FileStore struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore creates a file-backed store.
func NewFileStore(logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		logger: logger.Named("checkpoint"),
		now:    time.Now,
	}
}

// Read returns the timestamp stored at path. A missing file yields the
// current time.
func (s *FileStore) Read(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		ts := unixNow(s.now)
		s.logger.Warn("no checkpoint found, starting from now",
			zap.String("path", path), zap.Int64("timestamp", ts))
		return ts, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	return parse(path, data)
}

// Write atomically replaces the contents of path with ts: the value goes
// to a temp file in the same directory, is synced, then renamed over path.
func (s *FileStore) Write(path string, ts int64) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	tmpPath := tmp.Name()

	if err := writeSynced(tmp, format(ts)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}

	// The rename is durable once the directory entry is. Not every
	// platform lets a directory be synced, so this is best effort.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Close is a no-op; files are not held open between calls.
func (s *FileStore) Close() error {
	return nil
}

func writeSynced(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
