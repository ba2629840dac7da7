// Package artifacts stores binary blobs addressed by slash-separated keys:
// uploaded project bundles and result notebooks. Keys look like
// "projects/<pid>/uploads/<name>.zip".
package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Store is a flat blob store. Get returns a NotFound APIError for unknown
// keys; callers own closing the returned reader.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// FSStore keeps artifacts as files under a base directory.
type FSStore struct {
	base   string
	logger *slog.Logger
}

// NewFSStore creates a filesystem store rooted at base.
func NewFSStore(base string, logger *slog.Logger) *FSStore {
	return &FSStore{base: base, logger: logger.With("component", "artifacts")}
}

// cleanKey validates the key and maps it to a path under base. Keys must
// stay inside the store root.
func (s *FSStore) cleanKey(key string) (string, error) {
	if key == "" {
		return "", model.NewBadInputError("empty artifact key")
	}
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return "", model.NewBadInputError(fmt.Sprintf("bad artifact key %q", key))
	}
	return filepath.Join(s.base, clean), nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.cleanKey(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir for %s: %w", key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	s.logger.Info("artifact stored", "key", key, "size", humanize.Bytes(uint64(n)))
	return n, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, model.NewNotFoundError("artifact", key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.cleanKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
