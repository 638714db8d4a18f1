package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LocalStore keeps objects in a directory. Used in development and tests.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir failed: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir failed: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

func (s *LocalStore) path(name string) (string, error) {
	clean := filepath.Base(filepath.Clean("/" + name))
	if clean == "/" || clean == "." || clean != name {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *LocalStore) Put(_ context.Context, name, localPath, _ string) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file failed: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create blob temp file failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write blob %s failed: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write blob %s failed: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("commit blob %s failed: %w", name, err)
	}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s failed: %w", name, err)
	}
	return nil
}

// SignedURL returns a file URL carrying the expiry as a query parameter.
func (s *LocalStore) SignedURL(_ context.Context, name string, ttl time.Duration) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("stat blob %s failed: %w", name, err)
	}
	u := url.URL{
		Scheme:   "file",
		Path:     p,
		RawQuery: "expires=" + strconv.FormatInt(time.Now().Add(ttl).Unix(), 10),
	}
	return u.String(), nil
}
