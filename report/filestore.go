package report

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// FileStore is an ArtifactStore backed by the local filesystem. Relative
// locations resolve under Root.
type FileStore struct {
	Root string
}

var _ ArtifactStore = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) path(location string) string {
	if filepath.IsAbs(location) || s.Root == "" {
		return location
	}
	return filepath.Join(s.Root, location)
}

func (s *FileStore) Exists(ctx context.Context, location string) (bool, error) {
	if location == "" {
		return false, nil
	}
	info, err := os.Stat(s.path(location))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat artifact %s", location)
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileStore) Size(ctx context.Context, location string) (int64, error) {
	info, err := os.Stat(s.path(location))
	if err != nil {
		return 0, errors.Wrapf(err, "stat artifact %s", location)
	}
	return info.Size(), nil
}

func (s *FileStore) Remove(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	if err := os.Remove(s.path(location)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove artifact %s", location)
	}
	return nil
}
