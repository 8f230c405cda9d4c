// Package memory is an in-process metadata store for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
)

// Store keeps every row in maps guarded by a single mutex. All returned
// values are deep copies.
type Store struct {
	mu sync.RWMutex

	keys       map[int64]*model.EncryptionKey
	nextKeyID  int64
	maxVersion int

	images map[string]*model.ImageRef

	rotations map[uuid.UUID]*model.RotationOperation
	failures  map[uuid.UUID][]model.RotationFailure
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		keys:      make(map[int64]*model.EncryptionKey),
		images:    make(map[string]*model.ImageRef),
		rotations: make(map[uuid.UUID]*model.RotationOperation),
		failures:  make(map[uuid.UUID][]model.RotationFailure),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// keyTx stages writes on a copy of the key table; commit swaps them in.
// It reads the image and rotation tables of s, whose lock is held.
type keyTx struct {
	s          *Store
	keys       map[int64]*model.EncryptionKey
	nextKeyID  int64
	maxVersion int
}

func (tx *keyTx) GetKey(_ context.Context, id int64) (*model.EncryptionKey, error) {
	k, ok := tx.keys[id]
	if !ok {
		return nil, fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
	}
	return k.Clone(), nil
}

func (tx *keyTx) ActiveKey(_ context.Context) (*model.EncryptionKey, error) {
	return activeOf(tx.keys), nil
}

func (tx *keyTx) MaxVersion(_ context.Context) (int, error) {
	return tx.maxVersion, nil
}

func (tx *keyTx) InsertKey(_ context.Context, key *model.EncryptionKey) error {
	if key.Version <= tx.maxVersion {
		return fmt.Errorf("version %d already used: %w", key.Version, errs.ErrConflict)
	}
	if key.Status == model.KeyStatusActive && activeOf(tx.keys) != nil {
		return fmt.Errorf("another key is active: %w", errs.ErrConflict)
	}
	tx.nextKeyID++
	key.ID = tx.nextKeyID
	tx.keys[key.ID] = key.Clone()
	tx.maxVersion = key.Version
	return nil
}

func (tx *keyTx) UpdateKey(_ context.Context, key *model.EncryptionKey) error {
	if _, ok := tx.keys[key.ID]; !ok {
		return fmt.Errorf("key %d: %w", key.ID, errs.ErrNotFound)
	}
	if key.Status == model.KeyStatusActive {
		if active := activeOf(tx.keys); active != nil && active.ID != key.ID {
			return fmt.Errorf("key %d is already active: %w", active.ID, errs.ErrConflict)
		}
	}
	tx.keys[key.ID] = key.Clone()
	return nil
}

func (tx *keyTx) DeleteKey(_ context.Context, id int64) error {
	if _, ok := tx.keys[id]; !ok {
		return fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
	}
	delete(tx.keys, id)
	return nil
}

func (tx *keyTx) KeyUsage(_ context.Context, id int64) (int64, error) {
	var n int64
	for _, img := range tx.s.images {
		if img.IsEncrypted && img.EncryptionKeyID == id {
			n++
		}
	}
	return n, nil
}

func (tx *keyTx) KeyInOpenRotation(_ context.Context, id int64) (bool, error) {
	for _, op := range tx.s.rotations {
		if !op.Status.Terminal() && op.References(id) {
			return true, nil
		}
	}
	return false, nil
}

func activeOf(keys map[int64]*model.EncryptionKey) *model.EncryptionKey {
	for _, k := range keys {
		if k.Status == model.KeyStatusActive {
			return k.Clone()
		}
	}
	return nil
}

// UpdateKeys holds the write lock for the whole of fn.
func (s *Store) UpdateKeys(ctx context.Context, fn func(tx store.KeyTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[int64]*model.EncryptionKey, len(s.keys))
	for id, k := range s.keys {
		staged[id] = k
	}
	tx := &keyTx{s: s, keys: staged, nextKeyID: s.nextKeyID, maxVersion: s.maxVersion}
	if err := fn(tx); err != nil {
		return err
	}

	s.keys = tx.keys
	s.nextKeyID = tx.nextKeyID
	s.maxVersion = tx.maxVersion
	return nil
}

func (s *Store) GetKey(_ context.Context, id int64) (*model.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
	}
	return k.Clone(), nil
}

func (s *Store) ListKeys(_ context.Context) ([]*model.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.EncryptionKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) GetActiveKey(_ context.Context) (*model.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeOf(s.keys), nil
}

func (s *Store) GetImage(_ context.Context, id string) (*model.ImageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", id, errs.ErrNotFound)
	}
	return img.Clone(), nil
}

func (s *Store) CreateImage(_ context.Context, img *model.ImageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.images[img.ID]; exists {
		return fmt.Errorf("image %s already exists: %w", img.ID, errs.ErrConflict)
	}
	s.images[img.ID] = img.Clone()
	return nil
}

func (s *Store) DeleteImage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[id]; !ok {
		return fmt.Errorf("image %s: %w", id, errs.ErrNotFound)
	}
	delete(s.images, id)
	return nil
}

func (s *Store) UpdateEncryption(_ context.Context, id string, expectedRevision int64, state model.EncryptionState) (*model.ImageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", id, errs.ErrNotFound)
	}
	if img.Revision != expectedRevision {
		return nil, fmt.Errorf("image %s revision %d, expected %d: %w", id, img.Revision, expectedRevision, errs.ErrConflict)
	}
	if state.IsEncrypted {
		if k, ok := s.keys[state.EncryptionKeyID]; !ok || len(k.Material) == 0 {
			return nil, fmt.Errorf("key %d: %w", state.EncryptionKeyID, errs.ErrKeyNotFound)
		}
	}
	updated := img.Clone()
	state.Apply(updated, time.Now().UTC())
	s.images[id] = updated
	return updated.Clone(), nil
}

func (s *Store) CountImages(_ context.Context, filter model.ImageFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, img := range s.images {
		if filter.Matches(img) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListImages(_ context.Context, filter model.ImageFilter, limit int) ([]*model.ImageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ImageRef
	for _, img := range s.images {
		if filter.Matches(img) {
			out = append(out, img.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) KeyUsage(_ context.Context, keyID int64) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count, total int64
	for _, img := range s.images {
		if img.IsEncrypted && img.EncryptionKeyID == keyID {
			count++
			total += img.SizeBytes
		}
	}
	return count, total, nil
}

func (s *Store) CreateRotation(_ context.Context, op *model.RotationOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rotations[op.ID]; exists {
		return fmt.Errorf("rotation %s already exists: %w", op.ID, errs.ErrConflict)
	}
	for _, existing := range s.rotations {
		if existing.ToKeyID == op.ToKeyID && !existing.Status.Terminal() {
			return fmt.Errorf("rotation %s already targets key %d: %w", existing.ID, op.ToKeyID, errs.ErrConflict)
		}
	}
	s.rotations[op.ID] = op.Clone()
	return nil
}

func (s *Store) GetRotation(_ context.Context, id uuid.UUID) (*model.RotationOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.rotations[id]
	if !ok {
		return nil, fmt.Errorf("rotation %s: %w", id, errs.ErrNotFound)
	}
	return op.Clone(), nil
}

func (s *Store) ListRotations(_ context.Context) ([]*model.RotationOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.RotationOperation, 0, len(s.rotations))
	for _, op := range s.rotations {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) ListUnfinished(_ context.Context) ([]*model.RotationOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.RotationOperation
	for _, op := range s.rotations {
		if !op.Status.Terminal() {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) UpdateRotation(_ context.Context, id uuid.UUID, fn func(op *model.RotationOperation) error) (*model.RotationOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.rotations[id]
	if !ok {
		return nil, fmt.Errorf("rotation %s: %w", id, errs.ErrNotFound)
	}
	updated := op.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.rotations[id] = updated
	return updated.Clone(), nil
}

func (s *Store) RecordFailure(_ context.Context, failure model.RotationFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rotations[failure.RotationID]; !ok {
		return fmt.Errorf("rotation %s: %w", failure.RotationID, errs.ErrNotFound)
	}
	s.failures[failure.RotationID] = append(s.failures[failure.RotationID], failure)
	return nil
}

func (s *Store) ListFailures(_ context.Context, id uuid.UUID) ([]model.RotationFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rotations[id]; !ok {
		return nil, fmt.Errorf("rotation %s: %w", id, errs.ErrNotFound)
	}
	return append([]model.RotationFailure(nil), s.failures[id]...), nil
}
