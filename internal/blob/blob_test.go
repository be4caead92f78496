package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	s, err := NewFileStore(dir, "http://127.0.0.1:5000/api/email/inline-images")
	require.NoError(t, err)

	url, err := s.Save("msg1_img1.png", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5000/api/email/inline-images/msg1_img1.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "msg1_img1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), "http://blobs")
	require.NoError(t, err)

	_, err = s.Save("a.png", []byte("one"))
	require.NoError(t, err)
	_, err = s.Save("a.png", []byte("two"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.dir, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}
