// Package storetest holds the behaviour every store.Store adapter must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against the adapter built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("KeyTransactions", func(t *testing.T) { testKeyTransactions(t, newStore(t)) })
	t.Run("KeyRollback", func(t *testing.T) { testKeyRollback(t, newStore(t)) })
	t.Run("SingleActiveKey", func(t *testing.T) { testSingleActiveKey(t, newStore(t)) })
	t.Run("ConcurrentActivation", func(t *testing.T) { testConcurrentActivation(t, newStore(t)) })
	t.Run("ImageRevisions", func(t *testing.T) { testImageRevisions(t, newStore(t)) })
	t.Run("ImageFilters", func(t *testing.T) { testImageFilters(t, newStore(t)) })
	t.Run("Rotations", func(t *testing.T) { testRotations(t, newStore(t)) })
	t.Run("KeyReferences", func(t *testing.T) { testKeyReferences(t, newStore(t)) })
	t.Run("RotationLease", func(t *testing.T) { testRotationLease(t, newStore(t)) })
}

func newKey(version int, status model.KeyStatus) *model.EncryptionKey {
	return &model.EncryptionKey{
		Version:   version,
		Status:    status,
		Algorithm: "AES256-GCM",
		Material:  make([]byte, 32),
		CreatedBy: "test",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func insertKey(t *testing.T, s store.Store, status model.KeyStatus) *model.EncryptionKey {
	t.Helper()
	var key *model.EncryptionKey
	err := s.UpdateKeys(context.Background(), func(tx store.KeyTx) error {
		max, err := tx.MaxVersion(context.Background())
		if err != nil {
			return err
		}
		key = newKey(max+1, status)
		return tx.InsertKey(context.Background(), key)
	})
	require.NoError(t, err)
	return key
}

func testKeyTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()

	k1 := insertKey(t, s, model.KeyStatusCreated)
	k2 := insertKey(t, s, model.KeyStatusCreated)
	assert.NotZero(t, k1.ID)
	assert.NotEqual(t, k1.ID, k2.ID)
	assert.Equal(t, 1, k1.Version)
	assert.Equal(t, 2, k2.Version)

	got, err := s.GetKey(ctx, k1.ID)
	require.NoError(t, err)
	assert.Equal(t, k1.Material, got.Material)
	assert.Equal(t, model.KeyStatusCreated, got.Status)

	_, err = s.GetKey(ctx, 9999)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	active, err := s.GetActiveKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		return tx.DeleteKey(ctx, k1.ID)
	}))

	// Versions are never reused, even after the highest key is deleted.
	require.NoError(t, s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		return tx.DeleteKey(ctx, k2.ID)
	}))
	k3 := insertKey(t, s, model.KeyStatusCreated)
	assert.Equal(t, 3, k3.Version)

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, k3.ID, keys[0].ID)
}

func testKeyRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	k := insertKey(t, s, model.KeyStatusCreated)

	boom := fmt.Errorf("abort")
	err := s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		key, err := tx.GetKey(ctx, k.ID)
		if err != nil {
			return err
		}
		key.Status = model.KeyStatusActive
		if err := tx.UpdateKey(ctx, key); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusCreated, got.Status)
}

func testSingleActiveKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	k1 := insertKey(t, s, model.KeyStatusActive)
	k2 := insertKey(t, s, model.KeyStatusCreated)

	err := s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		key, err := tx.GetKey(ctx, k2.ID)
		if err != nil {
			return err
		}
		key.Status = model.KeyStatusActive
		return tx.UpdateKey(ctx, key)
	})
	assert.ErrorIs(t, err, errs.ErrConflict)

	active, err := s.GetActiveKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, k1.ID, active.ID)
}

// testConcurrentActivation swaps the active key from many goroutines and
// checks the table never holds two active keys.
func testConcurrentActivation(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertKey(t, s, model.KeyStatusCreated).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			err := s.UpdateKeys(ctx, func(tx store.KeyTx) error {
				current, err := tx.ActiveKey(ctx)
				if err != nil {
					return err
				}
				if current != nil {
					current.Status = model.KeyStatusRetired
					if err := tx.UpdateKey(ctx, current); err != nil {
						return err
					}
				}
				target, err := tx.GetKey(ctx, id)
				if err != nil {
					return err
				}
				target.Status = model.KeyStatusActive
				return tx.UpdateKey(ctx, target)
			})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	var active int
	for _, k := range keys {
		if k.Status == model.KeyStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func testImageRevisions(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	img := &model.ImageRef{
		ID: "img-1", StorageKey: "images/img-1", Locator: "images/img-1",
		ContentType: "image/png", SizeBytes: 42, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateImage(ctx, img))
	assert.ErrorIs(t, s.CreateImage(ctx, img), errs.ErrConflict)
	key := insertKey(t, s, model.KeyStatusActive)

	state := model.EncryptionState{
		Locator: "images/img-1.r1", IsEncrypted: true, EncryptionKeyID: key.ID,
		IV: make([]byte, 12), AuthTag: make([]byte, 16),
	}
	updated, err := s.UpdateEncryption(ctx, "img-1", 0, state)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Revision)
	assert.True(t, updated.IsEncrypted)
	assert.Equal(t, key.ID, updated.EncryptionKeyID)

	_, err = s.UpdateEncryption(ctx, "img-1", 0, state)
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = s.UpdateEncryption(ctx, "missing", 0, state)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := s.GetImage(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, "images/img-1.r1", got.Locator)
	assert.Len(t, got.IV, 12)
	assert.Len(t, got.AuthTag, 16)

	require.NoError(t, s.DeleteImage(ctx, "img-1"))
	_, err = s.GetImage(ctx, "img-1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testImageFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.Equal(t, int64(1), insertKey(t, s, model.KeyStatusCreated).ID)
	require.Equal(t, int64(2), insertKey(t, s, model.KeyStatusCreated).ID)
	for i := 0; i < 6; i++ {
		img := &model.ImageRef{
			ID: fmt.Sprintf("img-%02d", i), StorageKey: fmt.Sprintf("k/%d", i),
			SizeBytes: 10, CreatedAt: now, UpdatedAt: now,
		}
		img.Locator = img.StorageKey
		require.NoError(t, s.CreateImage(ctx, img))
		if i == 5 {
			continue // left unencrypted
		}
		kid := int64(1)
		if i >= 3 {
			kid = 2
		}
		_, err := s.UpdateEncryption(ctx, img.ID, 0, model.EncryptionState{
			Locator: img.Locator, IsEncrypted: true, EncryptionKeyID: kid,
			IV: make([]byte, 12), AuthTag: make([]byte, 16),
		})
		require.NoError(t, err)
	}

	one := int64(1)
	n, err := s.CountImages(ctx, model.ImageFilter{KeyID: &one})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.CountImages(ctx, model.ImageFilter{ExcludeKeyID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	batch, err := s.ListImages(ctx, model.ImageFilter{KeyID: &one}, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "img-00", batch[0].ID)
	assert.Equal(t, "img-01", batch[1].ID)

	batch, err = s.ListImages(ctx, model.ImageFilter{
		KeyID:      &one,
		ExcludeIDs: map[string]struct{}{"img-00": {}},
	}, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "img-01", batch[0].ID)

	count, total, err := s.KeyUsage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(20), total)
}

func testRotations(t *testing.T, s store.Store) {
	ctx := context.Background()
	from := int64(1)
	op := &model.RotationOperation{
		ID: uuid.New(), FromKeyID: &from, ToKeyID: 2, Status: model.RotationPending,
		BatchSize: 10, TotalImages: 3, InitiatedBy: "alice",
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	op.UpdatedAt = op.StartedAt
	require.NoError(t, s.CreateRotation(ctx, op))

	dup := op.Clone()
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateRotation(ctx, dup), errs.ErrConflict)

	unfinished, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	updated, err := s.UpdateRotation(ctx, op.ID, func(r *model.RotationOperation) error {
		r.Status = model.RotationCompleted
		r.ProcessedImages = 2
		r.FailedImages = 1
		done := time.Now().UTC()
		r.CompletedAt = &done
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RotationCompleted, updated.Status)

	boom := fmt.Errorf("abort")
	_, err = s.UpdateRotation(ctx, op.ID, func(r *model.RotationOperation) error {
		r.ProcessedImages = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetRotation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ProcessedImages)
	require.NotNil(t, got.FromKeyID)
	assert.Equal(t, int64(1), *got.FromKeyID)
	assert.Equal(t, "alice", got.InitiatedBy)

	// The previous rotation is terminal, so the target is free again.
	require.NoError(t, s.CreateRotation(ctx, dup))

	require.NoError(t, s.RecordFailure(ctx, model.RotationFailure{
		RotationID: op.ID, ImageID: "img-3", Reason: errs.CategoryAuthentication, OccurredAt: time.Now().UTC(),
	}))
	failures, err := s.ListFailures(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "img-3", failures[0].ImageID)
	assert.Equal(t, errs.CategoryAuthentication, failures[0].Reason)

	all, err := s.ListRotations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetRotation(ctx, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testKeyReferences(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	used := insertKey(t, s, model.KeyStatusActive)
	idle := insertKey(t, s, model.KeyStatusCreated)

	require.NoError(t, s.CreateImage(ctx, &model.ImageRef{
		ID: "img", StorageKey: "img", Locator: "img", CreatedAt: now, UpdatedAt: now,
	}))
	_, err := s.UpdateEncryption(ctx, "img", 0, model.EncryptionState{
		Locator: "img.r1", IsEncrypted: true, EncryptionKeyID: used.ID,
		IV: make([]byte, 12), AuthTag: make([]byte, 16),
	})
	require.NoError(t, err)

	op := &model.RotationOperation{
		ID: uuid.New(), ToKeyID: idle.ID, Status: model.RotationPending,
		BatchSize: 10, StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateRotation(ctx, op))

	err = s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		n, err := tx.KeyUsage(ctx, used.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.KeyUsage(ctx, idle.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		open, err := tx.KeyInOpenRotation(ctx, idle.ID)
		require.NoError(t, err)
		assert.True(t, open, "pending rotation targets the key")

		open, err = tx.KeyInOpenRotation(ctx, used.ID)
		require.NoError(t, err)
		assert.False(t, open)
		return nil
	})
	require.NoError(t, err)

	_, err = s.UpdateRotation(ctx, op.ID, func(r *model.RotationOperation) error {
		r.Status = model.RotationCancelled
		return nil
	})
	require.NoError(t, err)
	err = s.UpdateKeys(ctx, func(tx store.KeyTx) error {
		open, err := tx.KeyInOpenRotation(ctx, idle.ID)
		require.NoError(t, err)
		assert.False(t, open, "terminal rotations do not hold the key")
		return tx.DeleteKey(ctx, idle.ID)
	})
	require.NoError(t, err)

	// Committing an image onto a deleted key is refused.
	_, err = s.UpdateEncryption(ctx, "img", 1, model.EncryptionState{
		Locator: "img.r2", IsEncrypted: true, EncryptionKeyID: idle.ID,
		IV: make([]byte, 12), AuthTag: make([]byte, 16),
	})
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)

	got, err := s.GetImage(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, used.ID, got.EncryptionKeyID)
	assert.Equal(t, int64(1), got.Revision)
}

func testRotationLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	op := &model.RotationOperation{
		ID: uuid.New(), ToKeyID: 1, Status: model.RotationPending,
		BatchSize: 10, StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateRotation(ctx, op))

	lease := now.Add(time.Minute)
	_, err := s.UpdateRotation(ctx, op.ID, func(r *model.RotationOperation) error {
		r.Status = model.RotationRunning
		r.Owner = "engine-a"
		r.LeaseUntil = &lease
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetRotation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", got.Owner)
	require.NotNil(t, got.LeaseUntil)
	assert.True(t, lease.Equal(*got.LeaseUntil))
	assert.True(t, got.LeasedToOther("engine-b", now))
}
