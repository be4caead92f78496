// Package blob stores inline-image payloads extracted from HTML mail
// bodies under addressable names. A separate read endpoint serves the
// files back; this package only writes.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store saves a named binary blob and returns the URL under which the
// blob is retrievable.
type Store interface {
	Save(name string, data []byte) (url string, err error)
}

// FileStore writes blobs into a local directory and addresses them by
// joining a base URL with the file name.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates a FileStore rooted at dir, creating the
// directory if needed.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, baseURL: baseURL}, nil
}

// Save writes data to dir/name and returns baseURL/name.
func (s *FileStore) Save(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", name, err)
	}
	return s.baseURL + "/" + name, nil
}
