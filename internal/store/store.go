// Package store defines the persistence contracts for keys, image metadata
// and rotation operations. Adapters live in the memory, badgerstore and
// postgres subpackages.
//
// Lookups of a missing row return an error wrapping errs.ErrNotFound. Backend
// I/O errors are wrapped with errs.Storage.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kenneth/image-keyring/internal/model"
)

// KeyTx is the view of the key table inside a serialisable transaction.
type KeyTx interface {
	GetKey(ctx context.Context, id int64) (*model.EncryptionKey, error)
	// ActiveKey returns nil, nil when no key is active.
	ActiveKey(ctx context.Context) (*model.EncryptionKey, error)
	// MaxVersion returns the highest version ever assigned, 0 for an empty keyring.
	MaxVersion(ctx context.Context) (int, error)
	// InsertKey stores a new key and assigns its ID.
	InsertKey(ctx context.Context, key *model.EncryptionKey) error
	UpdateKey(ctx context.Context, key *model.EncryptionKey) error
	DeleteKey(ctx context.Context, id int64) error
	// KeyUsage counts images encrypted under id as seen by the transaction.
	KeyUsage(ctx context.Context, id int64) (int64, error)
	// KeyInOpenRotation reports whether a pending or running rotation moves
	// images from or onto id.
	KeyInOpenRotation(ctx context.Context, id int64) (bool, error)
}

// KeyStore persists encryption keys.
type KeyStore interface {
	// UpdateKeys runs fn in a transaction. Returning an error from fn discards
	// every change made through tx.
	UpdateKeys(ctx context.Context, fn func(tx KeyTx) error) error
	GetKey(ctx context.Context, id int64) (*model.EncryptionKey, error)
	// ListKeys returns all keys ordered by version ascending.
	ListKeys(ctx context.Context) ([]*model.EncryptionKey, error)
	// GetActiveKey returns nil, nil when no key is active.
	GetActiveKey(ctx context.Context) (*model.EncryptionKey, error)
}

// ImageStore persists image metadata rows.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*model.ImageRef, error)
	// CreateImage inserts a new row; an existing id yields errs.ErrConflict.
	CreateImage(ctx context.Context, img *model.ImageRef) error
	DeleteImage(ctx context.Context, id string) error
	// UpdateEncryption applies state if the stored revision equals
	// expectedRevision and returns the updated row. A mismatch yields
	// errs.ErrConflict. An encrypted state whose key is deleted or purged
	// yields errs.ErrKeyNotFound; the check is serialised with UpdateKeys.
	UpdateEncryption(ctx context.Context, id string, expectedRevision int64, state model.EncryptionState) (*model.ImageRef, error)
	// CountImages counts images matching filter.
	CountImages(ctx context.Context, filter model.ImageFilter) (int64, error)
	// ListImages returns up to limit images matching filter ordered by id.
	ListImages(ctx context.Context, filter model.ImageFilter, limit int) ([]*model.ImageRef, error)
	// KeyUsage returns the number and total plaintext size of images
	// encrypted under keyID.
	KeyUsage(ctx context.Context, keyID int64) (count int64, totalBytes int64, err error)
}

// RotationStore persists rotation operations and their failure ledger.
type RotationStore interface {
	// CreateRotation inserts op. If a non-terminal rotation already targets
	// op.ToKeyID the insert fails with errs.ErrConflict.
	CreateRotation(ctx context.Context, op *model.RotationOperation) error
	GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error)
	// ListRotations returns all rotations, most recently started first.
	ListRotations(ctx context.Context) ([]*model.RotationOperation, error)
	// ListUnfinished returns pending and running rotations, oldest first.
	ListUnfinished(ctx context.Context) ([]*model.RotationOperation, error)
	// UpdateRotation loads the row, applies fn and writes it back atomically.
	// An error from fn aborts the update and is returned to the caller.
	UpdateRotation(ctx context.Context, id uuid.UUID, fn func(op *model.RotationOperation) error) (*model.RotationOperation, error)
	RecordFailure(ctx context.Context, failure model.RotationFailure) error
	ListFailures(ctx context.Context, id uuid.UUID) ([]model.RotationFailure, error)
}

// Store is the full metadata store used by the service.
type Store interface {
	KeyStore
	ImageStore
	RotationStore

	Ping(ctx context.Context) error
	Close() error
}
