package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/planlens/plancompare/internal/core/domain"
)

// Storage is a filesystem-backed blob store. Refs are opaque identifiers
// handed out by PutBlob; nothing beyond byte-level get/put is assumed by the
// callers.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) PutBlob(_ context.Context, data []byte) (string, error) {
	ref := uuid.NewString()
	path := filepath.Join(s.basePath, ref)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return ref, nil
}

func (s *Storage) GetBlob(_ context.Context, ref string) ([]byte, error) {
	if strings.Contains(ref, string(os.PathSeparator)) || strings.Contains(ref, "..") {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get blob", fmt.Errorf("malformed ref %q", ref))
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "get blob", fmt.Errorf("unknown ref %q", ref))
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
