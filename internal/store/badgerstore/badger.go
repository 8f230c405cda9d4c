// Package badgerstore is an embedded metadata store backed by BadgerDB.
//
// Rows are JSON documents under typed key prefixes:
//
//	key/<id>                 encryption keys (big-endian id)
//	meta/next_key_id         id sequence
//	meta/max_version         key version high-water mark
//	img/<id>                 image metadata
//	rot/<uuid>               rotation operations
//	rotfail/<uuid>/<image>   rotation failure ledger
//	rottarget/<to key id>    last rotation created for a target key
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
)

var (
	prefixKey         = []byte("key/")
	prefixImage       = []byte("img/")
	prefixRotation    = []byte("rot/")
	prefixFailure     = []byte("rotfail/")
	metaNextKeyID     = []byte("meta/next_key_id")
	metaMaxKeyVersion = []byte("meta/max_version")
	prefixTarget      = []byte("rottarget/")
)

// maxTxnRetries bounds retries of transactions aborted by badger.ErrConflict.
const maxTxnRetries = 10

// Store implements store.Store on a BadgerDB directory.
type Store struct {
	db     *badger.DB
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database in dir.
func Open(dir string, logger *logrus.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("dir", dir).Info("Opened badger metadata store")
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errs.Storage(errors.New("badger database is closed"))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// keyRecord is the persisted form of a key; model.EncryptionKey hides
// Material from JSON.
type keyRecord struct {
	model.EncryptionKey
	Material []byte `json:"material,omitempty"`
}

func toRecord(k *model.EncryptionKey) keyRecord {
	return keyRecord{EncryptionKey: *k, Material: k.Material}
}

func (r keyRecord) key() *model.EncryptionKey {
	k := r.EncryptionKey
	k.Material = r.Material
	return &k
}

func keyKey(id int64) []byte {
	b := make([]byte, len(prefixKey)+8)
	copy(b, prefixKey)
	binary.BigEndian.PutUint64(b[len(prefixKey):], uint64(id))
	return b
}

func imageKey(id string) []byte {
	return append(append([]byte(nil), prefixImage...), id...)
}

func rotationKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixRotation...), id.String()...)
}

func failurePrefix(id uuid.UUID) []byte {
	return append(append(append([]byte(nil), prefixFailure...), id.String()...), '/')
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnRetries {
			s.logger.WithField("attempt", attempt+1).Debug("Retrying badger transaction after conflict")
			continue
		}
		return wrap(err)
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(s.db.View(fn))
}

// wrap classifies badger errors; errors that already carry a kind pass through.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return errs.Storage(err)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", key, errs.ErrNotFound)
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func getCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %s", key)
		}
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

func setCounter(txn *badger.Txn, key []byte, n int64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(n))
	return txn.Set(key, val)
}

// scan decodes every value under prefix with decode.
func scan(txn *badger.Txn, prefix []byte, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

func scanKeys(txn *badger.Txn) ([]*model.EncryptionKey, error) {
	var keys []*model.EncryptionKey
	err := scan(txn, prefixKey, func(val []byte) error {
		var rec keyRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		keys = append(keys, rec.key())
		return nil
	})
	return keys, err
}

func activeKey(txn *badger.Txn) (*model.EncryptionKey, error) {
	keys, err := scanKeys(txn)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Status == model.KeyStatusActive {
			return k, nil
		}
	}
	return nil, nil
}

type keyTx struct {
	txn *badger.Txn
}

func (tx *keyTx) GetKey(_ context.Context, id int64) (*model.EncryptionKey, error) {
	var rec keyRecord
	if err := getJSON(tx.txn, keyKey(id), &rec); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return rec.key(), nil
}

func (tx *keyTx) ActiveKey(_ context.Context) (*model.EncryptionKey, error) {
	return activeKey(tx.txn)
}

func (tx *keyTx) MaxVersion(_ context.Context) (int, error) {
	n, err := getCounter(tx.txn, metaMaxKeyVersion)
	return int(n), err
}

func (tx *keyTx) InsertKey(ctx context.Context, key *model.EncryptionKey) error {
	max, err := tx.MaxVersion(ctx)
	if err != nil {
		return err
	}
	if key.Version <= max {
		return fmt.Errorf("version %d already used: %w", key.Version, errs.ErrConflict)
	}
	if err := tx.checkActive(key); err != nil {
		return err
	}

	next, err := getCounter(tx.txn, metaNextKeyID)
	if err != nil {
		return err
	}
	next++
	key.ID = next
	if err := setCounter(tx.txn, metaNextKeyID, next); err != nil {
		return err
	}
	if err := setCounter(tx.txn, metaMaxKeyVersion, int64(key.Version)); err != nil {
		return err
	}
	return setJSON(tx.txn, keyKey(key.ID), toRecord(key))
}

func (tx *keyTx) UpdateKey(_ context.Context, key *model.EncryptionKey) error {
	found, err := exists(tx.txn, keyKey(key.ID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %d: %w", key.ID, errs.ErrNotFound)
	}
	if err := tx.checkActive(key); err != nil {
		return err
	}
	return setJSON(tx.txn, keyKey(key.ID), toRecord(key))
}

func (tx *keyTx) DeleteKey(_ context.Context, id int64) error {
	found, err := exists(tx.txn, keyKey(id))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
	}
	return tx.txn.Delete(keyKey(id))
}

// KeyUsage iterates inside the key transaction, so an image committed onto
// id concurrently makes one of the two transactions conflict.
func (tx *keyTx) KeyUsage(_ context.Context, id int64) (int64, error) {
	var n int64
	err := scan(tx.txn, prefixImage, func(val []byte) error {
		var img model.ImageRef
		if err := json.Unmarshal(val, &img); err != nil {
			return err
		}
		if img.IsEncrypted && img.EncryptionKeyID == id {
			n++
		}
		return nil
	})
	return n, err
}

func (tx *keyTx) KeyInOpenRotation(_ context.Context, id int64) (bool, error) {
	ops, err := scanRotations(tx.txn)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if !op.Status.Terminal() && op.References(id) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *keyTx) checkActive(key *model.EncryptionKey) error {
	if key.Status != model.KeyStatusActive {
		return nil
	}
	active, err := activeKey(tx.txn)
	if err != nil {
		return err
	}
	if active != nil && active.ID != key.ID {
		return fmt.Errorf("key %d is already active: %w", active.ID, errs.ErrConflict)
	}
	return nil
}

func (s *Store) UpdateKeys(ctx context.Context, fn func(tx store.KeyTx) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return fn(&keyTx{txn: txn})
	})
}

func (s *Store) GetKey(ctx context.Context, id int64) (*model.EncryptionKey, error) {
	var key *model.EncryptionKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		key, err = (&keyTx{txn: txn}).GetKey(ctx, id)
		return err
	})
	return key, err
}

func (s *Store) ListKeys(ctx context.Context) ([]*model.EncryptionKey, error) {
	var keys []*model.EncryptionKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		keys, err = scanKeys(txn)
		return err
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].Version < keys[j].Version })
	return keys, err
}

func (s *Store) GetActiveKey(ctx context.Context) (*model.EncryptionKey, error) {
	var key *model.EncryptionKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		key, err = activeKey(txn)
		return err
	})
	return key, err
}

func (s *Store) GetImage(ctx context.Context, id string) (*model.ImageRef, error) {
	var img model.ImageRef
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, imageKey(id), &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *Store) CreateImage(ctx context.Context, img *model.ImageRef) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, imageKey(img.ID))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("image %s already exists: %w", img.ID, errs.ErrConflict)
		}
		return setJSON(txn, imageKey(img.ID), img)
	})
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, imageKey(id))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("image %s: %w", id, errs.ErrNotFound)
		}
		return txn.Delete(imageKey(id))
	})
}

func (s *Store) UpdateEncryption(ctx context.Context, id string, expectedRevision int64, state model.EncryptionState) (*model.ImageRef, error) {
	var updated model.ImageRef
	err := s.update(ctx, func(txn *badger.Txn) error {
		var img model.ImageRef
		if err := getJSON(txn, imageKey(id), &img); err != nil {
			return err
		}
		if img.Revision != expectedRevision {
			return fmt.Errorf("image %s revision %d, expected %d: %w", id, img.Revision, expectedRevision, errs.ErrConflict)
		}
		if state.IsEncrypted {
			// Reading the key row makes a concurrent delete or purge conflict.
			key, err := (&keyTx{txn: txn}).GetKey(ctx, state.EncryptionKeyID)
			if errors.Is(err, errs.ErrNotFound) || (err == nil && len(key.Material) == 0) {
				return fmt.Errorf("key %d: %w", state.EncryptionKeyID, errs.ErrKeyNotFound)
			}
			if err != nil {
				return err
			}
		}
		state.Apply(&img, time.Now().UTC())
		updated = img
		return setJSON(txn, imageKey(id), &img)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) scanImages(ctx context.Context, visit func(img *model.ImageRef) bool) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixImage
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixImage); it.ValidForPrefix(prefixImage); it.Next() {
			var img model.ImageRef
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &img)
			}); err != nil {
				return err
			}
			if !visit(&img) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) CountImages(ctx context.Context, filter model.ImageFilter) (int64, error) {
	var n int64
	err := s.scanImages(ctx, func(img *model.ImageRef) bool {
		if filter.Matches(img) {
			n++
		}
		return true
	})
	return n, err
}

// ListImages relies on badger's lexicographic key order for id ordering.
func (s *Store) ListImages(ctx context.Context, filter model.ImageFilter, limit int) ([]*model.ImageRef, error) {
	var out []*model.ImageRef
	err := s.scanImages(ctx, func(img *model.ImageRef) bool {
		if filter.Matches(img) {
			out = append(out, img)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *Store) KeyUsage(ctx context.Context, keyID int64) (int64, int64, error) {
	var count, total int64
	err := s.scanImages(ctx, func(img *model.ImageRef) bool {
		if img.IsEncrypted && img.EncryptionKeyID == keyID {
			count++
			total += img.SizeBytes
		}
		return true
	})
	return count, total, err
}

func scanRotations(txn *badger.Txn) ([]*model.RotationOperation, error) {
	var ops []*model.RotationOperation
	err := scan(txn, prefixRotation, func(val []byte) error {
		var op model.RotationOperation
		if err := json.Unmarshal(val, &op); err != nil {
			return err
		}
		ops = append(ops, &op)
		return nil
	})
	return ops, err
}

func (s *Store) CreateRotation(ctx context.Context, op *model.RotationOperation) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ops, err := scanRotations(txn)
		if err != nil {
			return err
		}
		// Reading and rewriting the target marker makes concurrent creates for
		// the same key conflict instead of both passing the scan below.
		target := append(append([]byte(nil), prefixTarget...), fmt.Sprint(op.ToKeyID)...)
		if _, err := exists(txn, target); err != nil {
			return err
		}
		if err := txn.Set(target, []byte(op.ID.String())); err != nil {
			return err
		}
		for _, existing := range ops {
			if existing.ID == op.ID {
				return fmt.Errorf("rotation %s already exists: %w", op.ID, errs.ErrConflict)
			}
			if existing.ToKeyID == op.ToKeyID && !existing.Status.Terminal() {
				return fmt.Errorf("rotation %s already targets key %d: %w", existing.ID, op.ToKeyID, errs.ErrConflict)
			}
		}
		return setJSON(txn, rotationKey(op.ID), op)
	})
}

func (s *Store) GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error) {
	var op model.RotationOperation
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, rotationKey(id), &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) ListRotations(ctx context.Context) ([]*model.RotationOperation, error) {
	var ops []*model.RotationOperation
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		ops, err = scanRotations(txn)
		return err
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	return ops, err
}

func (s *Store) ListUnfinished(ctx context.Context) ([]*model.RotationOperation, error) {
	all, err := s.ListRotations(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.RotationOperation
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Status.Terminal() {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Store) UpdateRotation(ctx context.Context, id uuid.UUID, fn func(op *model.RotationOperation) error) (*model.RotationOperation, error) {
	var updated *model.RotationOperation
	err := s.update(ctx, func(txn *badger.Txn) error {
		var op model.RotationOperation
		if err := getJSON(txn, rotationKey(id), &op); err != nil {
			return err
		}
		if err := fn(&op); err != nil {
			return err
		}
		updated = &op
		return setJSON(txn, rotationKey(id), &op)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) RecordFailure(ctx context.Context, failure model.RotationFailure) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, rotationKey(failure.RotationID))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("rotation %s: %w", failure.RotationID, errs.ErrNotFound)
		}
		key := append(failurePrefix(failure.RotationID), failure.ImageID...)
		return setJSON(txn, key, failure)
	})
}

func (s *Store) ListFailures(ctx context.Context, id uuid.UUID) ([]model.RotationFailure, error) {
	var out []model.RotationFailure
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, rotationKey(id))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("rotation %s: %w", id, errs.ErrNotFound)
		}
		return scan(txn, failurePrefix(id), func(val []byte) error {
			var f model.RotationFailure
			if err := json.Unmarshal(val, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, err
}
