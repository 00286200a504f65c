// Package storage defines the artifact-upload contract the capture
// pipeline hands finished screenshots to. Object-storage upload and
// signed-URL generation are explicitly external collaborators; only
// the contract and a local-disk implementation suitable for
// self-hosted deployments live here.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Uploader publishes a local artifact file and returns its externally
// addressable URL.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (artifactURL string, err error)
}

// LocalUploader serves artifacts from a directory via a configured
// public base URL, standing in for an S3-compatible upload + signed-URL
// collaborator in deployments without one configured.
type LocalUploader struct {
	Dir     string
	BaseURL string
}

// NewLocalUploader ensures Dir exists and returns an Uploader.
func NewLocalUploader(dir, baseURL string) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create artifact dir: %w", err)
	}
	return &LocalUploader{Dir: dir, BaseURL: baseURL}, nil
}

// Upload copies localPath into the artifact directory under a fresh
// opaque name and returns its public URL.
func (u *LocalUploader) Upload(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: read artifact: %w", err)
	}

	name := uuid.New().String() + filepath.Ext(localPath)
	dest := filepath.Join(u.Dir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write artifact: %w", err)
	}

	return fmt.Sprintf("%s/%s", u.BaseURL, name), nil
}
