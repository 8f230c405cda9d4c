// Package objectstore stores image blobs by locator.
package objectstore

import (
	"context"
)

// Store is the blob storage used for image bytes. Locators are
// slash-separated relative paths.
//
// Read of a missing locator returns an error wrapping errs.ErrNotFound.
// Delete of a missing locator succeeds. Backend I/O errors wrap
// errs.ErrStorageFailure.
type Store interface {
	Read(ctx context.Context, locator string) ([]byte, error)
	// Write replaces the blob at locator; readers never see a partial write.
	Write(ctx context.Context, locator string, data []byte) error
	Delete(ctx context.Context, locator string) error
	Exists(ctx context.Context, locator string) (bool, error)
}

// probeLocator is never written; probing it only checks the backend answers.
const probeLocator = ".ready"

// Probe adapts a Store to a readiness check.
type Probe struct {
	Store Store
}

// Ping reports whether the backend answers an existence check.
func (p Probe) Ping(ctx context.Context) error {
	_, err := p.Store.Exists(ctx, probeLocator)
	return err
}
