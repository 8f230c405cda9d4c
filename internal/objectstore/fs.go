package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kenneth/image-keyring/internal/errs"
)

// FSStore keeps blobs as files under a root directory.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// resolve maps a locator to a path inside root, rejecting escapes.
func (s *FSStore) resolve(locator string) (string, error) {
	for _, seg := range strings.Split(locator, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid locator %q: %w", locator, errs.ErrInvalidArgument)
		}
	}
	clean := path.Clean("/" + locator)
	if clean == "/" {
		return "", fmt.Errorf("invalid locator %q: %w", locator, errs.ErrInvalidArgument)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *FSStore) Read(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", locator, errs.ErrNotFound)
		}
		return nil, errs.Storage(fmt.Errorf("failed to read blob %s: %w", locator, err))
	}
	return data, nil
}

// Write writes to a temp file in the target directory and renames it over
// the locator.
func (s *FSStore) Write(ctx context.Context, locator string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Storage(fmt.Errorf("failed to create directory for %s: %w", locator, err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.Storage(fmt.Errorf("failed to create temp file for %s: %w", locator, err))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errs.Storage(fmt.Errorf("failed to write blob %s: %w", locator, err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errs.Storage(fmt.Errorf("failed to sync blob %s: %w", locator, err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errs.Storage(fmt.Errorf("failed to close blob %s: %w", locator, err))
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return errs.Storage(fmt.Errorf("failed to commit blob %s: %w", locator, err))
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Storage(fmt.Errorf("failed to delete blob %s: %w", locator, err))
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, locator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, errs.Storage(fmt.Errorf("failed to stat blob %s: %w", locator, err))
	}
}
