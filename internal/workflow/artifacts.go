package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileArtifactStore stores artifacts as files under a root directory,
// one file per reference.
type FileArtifactStore struct {
	root string
}

// NewFileArtifactStore creates a FileArtifactStore rooted at dir.
func NewFileArtifactStore(dir string) *FileArtifactStore {
	return &FileArtifactStore{root: dir}
}

// Save writes the artifact content, creating parent directories as needed.
func (s *FileArtifactStore) Save(_ context.Context, ref string, content []byte) error {
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", ref, err)
	}
	return nil
}

// Load reads a previously saved artifact.
func (s *FileArtifactStore) Load(_ context.Context, ref string) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	return content, nil
}
