package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects under a directory, one subdirectory per bucket.
// URLs are built from publicBaseURL when set, otherwise they are file:// URLs.
type LocalStore struct {
	root          string
	publicBaseURL string
}

func NewLocalStore(root, publicBaseURL string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	return &LocalStore{root: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *LocalStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	target, err := s.resolve(bucket, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	// Write to a sibling temp file so readers never see a partial object.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return s.url(bucket, path, target), nil
}

func (s *LocalStore) Delete(ctx context.Context, bucket string, paths []string) error {
	var errs []error
	for _, path := range paths {
		target, err := s.resolve(bucket, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDelete, errors.Join(errs...))
	}
	return nil
}

func (s *LocalStore) resolve(bucket, path string) (string, error) {
	clean := filepath.Clean(filepath.Join(s.root, bucket, filepath.FromSlash(path)))
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes blob dir", ErrUpload, bucket+"/"+path)
	}
	return clean, nil
}

func (s *LocalStore) url(bucket, path, target string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + bucket + "/" + escapePath(path)
	}
	return "file://" + filepath.ToSlash(target)
}
