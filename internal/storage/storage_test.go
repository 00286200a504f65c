package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpload_CopiesFileUnderFreshNameAndReturnsURL(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "shot.png")
	require.NoError(t, os.WriteFile(srcPath, []byte("fake-png-bytes"), 0o644))

	uploader, err := NewLocalUploader(t.TempDir(), "http://localhost:8080/artifacts")
	require.NoError(t, err)

	url, err := uploader.Upload(context.Background(), srcPath)
	require.NoError(t, err)
	require.True(t, len(url) > len("http://localhost:8080/artifacts/"))
	require.Contains(t, url, "http://localhost:8080/artifacts/")
	require.True(t, filepath.Ext(url) == ".png")

	name := url[len("http://localhost:8080/artifacts/"):]
	data, err := os.ReadFile(filepath.Join(uploader.Dir, name))
	require.NoError(t, err)
	require.Equal(t, "fake-png-bytes", string(data))
}

func TestUpload_DistinctCallsGetDistinctNames(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "shot.jpeg")
	require.NoError(t, os.WriteFile(srcPath, []byte("a"), 0o644))

	uploader, err := NewLocalUploader(t.TempDir(), "http://localhost:8080/artifacts")
	require.NoError(t, err)

	url1, err := uploader.Upload(context.Background(), srcPath)
	require.NoError(t, err)
	url2, err := uploader.Upload(context.Background(), srcPath)
	require.NoError(t, err)

	require.NotEqual(t, url1, url2)
}
