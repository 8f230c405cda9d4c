// Package keyring owns the lifecycle of symmetric encryption keys:
// creation, activation, retirement, deprecation and material purge.
//
// At most one key is active at a time. Activation retires the previous
// active key in the same store transaction, so readers never observe two
// active keys or a gap between them. Versions are assigned from the
// store's high-water mark and never reused, even after a key is deleted.
//
// Keys returned to callers are redacted. Only KeyMaterial and
// ActiveKeyMaterial hand out material, for the image encryption path.
package keyring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/cache"
	"github.com/kenneth/image-keyring/internal/crypto"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
)

// Store is the persistence the manager needs: the key table plus per-key
// image usage.
type Store interface {
	store.KeyStore
	KeyUsage(ctx context.Context, keyID int64) (count int64, totalBytes int64, err error)
}

// Options configures a Manager. Zero values disable the optional parts.
type Options struct {
	// Algorithm is assigned to new keys; empty means AES256-GCM.
	Algorithm string
	Cache     cache.KeyCache
	CacheTTL  time.Duration
	Audit     audit.Logger
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Activation is the outcome of ActivateKey.
type Activation struct {
	Activated *model.EncryptionKey `json:"activated"`
	// Retired is the previously active key, nil if there was none or the
	// target was already active.
	Retired *model.EncryptionKey `json:"retired,omitempty"`
}

// Manager implements the key lifecycle on top of a Store.
type Manager struct {
	store     Store
	algorithm string
	cache     cache.KeyCache
	cacheTTL  time.Duration
	audit     audit.Logger
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	activeVersion atomic.Int64
}

// NewManager creates a key manager.
func NewManager(s Store, opts Options) (*Manager, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = crypto.DefaultAlgorithm
	}
	if !crypto.Supported(alg) {
		return nil, fmt.Errorf("unsupported algorithm %q: %w", alg, errs.ErrInvalidArgument)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		store:     s,
		algorithm: alg,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

// Algorithm returns the algorithm assigned to new keys.
func (m *Manager) Algorithm() string {
	return m.algorithm
}

// ActiveVersion returns the last active key version seen by this process,
// 0 when none. It is refreshed on activation and by RefreshActiveVersion.
func (m *Manager) ActiveVersion() int {
	return int(m.activeVersion.Load())
}

// RefreshActiveVersion reloads the active version from the store.
func (m *Manager) RefreshActiveVersion(ctx context.Context) error {
	active, err := m.store.GetActiveKey(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		m.setActiveVersion(0)
	} else {
		m.setActiveVersion(active.Version)
	}
	return nil
}

func (m *Manager) setActiveVersion(v int) {
	m.activeVersion.Store(int64(v))
	if m.metrics != nil {
		m.metrics.SetActiveKeyVersion(v)
	}
}

// CreateKey generates fresh material and stores it as a new created key with
// the next version. It never activates the key.
func (m *Manager) CreateKey(ctx context.Context, description, actor string) (*model.EncryptionKey, error) {
	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		m.record("create", err)
		return nil, err
	}

	var created *model.EncryptionKey
	err = m.store.UpdateKeys(ctx, func(tx store.KeyTx) error {
		maxVersion, err := tx.MaxVersion(ctx)
		if err != nil {
			return err
		}
		key := &model.EncryptionKey{
			Version:     maxVersion + 1,
			Status:      model.KeyStatusCreated,
			Algorithm:   m.algorithm,
			Material:    material,
			Description: description,
			CreatedBy:   actor,
			CreatedAt:   time.Now().UTC(),
		}
		if err := tx.InsertKey(ctx, key); err != nil {
			return err
		}
		created = key
		return nil
	})
	if err != nil {
		m.record("create", err)
		m.audit.LogKeyEvent(audit.EventTypeKeyCreate, actor, 0, nil, err)
		return nil, fmt.Errorf("failed to create key: %w", err)
	}

	m.record("create", nil)
	m.audit.LogKeyEvent(audit.EventTypeKeyCreate, actor, created.ID, created, nil)
	m.logger.WithFields(logrus.Fields{
		"key_id":    created.ID,
		"version":   created.Version,
		"algorithm": created.Algorithm,
		"actor":     actor,
	}).Info("Encryption key created")
	return created.Redacted(), nil
}

// ActivateKey makes kid the single active key, retiring the current active
// key in the same transaction. Activating the active key is a no-op.
func (m *Manager) ActivateKey(ctx context.Context, kid int64, actor string) (*Activation, error) {
	var result Activation
	err := m.store.UpdateKeys(ctx, func(tx store.KeyTx) error {
		result = Activation{}

		target, err := tx.GetKey(ctx, kid)
		if err != nil {
			return err
		}
		if target.Status == model.KeyStatusActive {
			result.Activated = target
			return nil
		}
		if !target.Status.CanTransitionTo(model.KeyStatusActive) {
			return fmt.Errorf("key %d is %s: %w", kid, target.Status, errs.ErrConflict)
		}
		if !target.HasMaterial() {
			return fmt.Errorf("key %d has no material: %w", kid, errs.ErrConflict)
		}

		now := time.Now().UTC()
		current, err := tx.ActiveKey(ctx)
		if err != nil {
			return err
		}
		if current != nil {
			current.Status = model.KeyStatusRetired
			current.RetiredAt = &now
			if err := tx.UpdateKey(ctx, current); err != nil {
				return err
			}
			result.Retired = current
		}

		target.Status = model.KeyStatusActive
		target.ActivatedAt = &now
		target.RetiredAt = nil
		if err := tx.UpdateKey(ctx, target); err != nil {
			return err
		}
		result.Activated = target
		return nil
	})
	if err != nil {
		m.record("activate", err)
		m.audit.LogKeyEvent(audit.EventTypeKeyActivate, actor, kid, nil, err)
		return nil, fmt.Errorf("failed to activate key %d: %w", kid, err)
	}

	m.invalidate(ctx, kid)
	m.setActiveVersion(result.Activated.Version)
	m.record("activate", nil)
	m.audit.LogKeyEvent(audit.EventTypeKeyActivate, actor, kid, result.Activated, nil)

	fields := logrus.Fields{
		"key_id":  kid,
		"version": result.Activated.Version,
		"actor":   actor,
	}
	if result.Retired != nil {
		m.invalidate(ctx, result.Retired.ID)
		m.audit.LogKeyEvent(audit.EventTypeKeyRetire, actor, result.Retired.ID, result.Retired, nil)
		fields["retired_key_id"] = result.Retired.ID
		fields["retired_version"] = result.Retired.Version
	}
	m.logger.WithFields(fields).Info("Encryption key activated")

	out := &Activation{Activated: result.Activated.Redacted()}
	if result.Retired != nil {
		out.Retired = result.Retired.Redacted()
	}
	return out, nil
}

// RetireKey moves an active or created key to retired. Retiring the active
// key leaves the keyring without one until another key is activated.
func (m *Manager) RetireKey(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error) {
	var wasActive bool
	key, err := m.transition(ctx, kid, "retire", audit.EventTypeKeyRetire, actor, func(_ store.KeyTx, k *model.EncryptionKey, now time.Time) error {
		if !k.Status.CanTransitionTo(model.KeyStatusRetired) {
			return fmt.Errorf("key %d is %s: %w", kid, k.Status, errs.ErrConflict)
		}
		wasActive = k.Status == model.KeyStatusActive
		k.Status = model.KeyStatusRetired
		k.RetiredAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasActive {
		m.setActiveVersion(0)
		m.logger.WithField("key_id", kid).Warn("Active key retired, encryption unavailable until a key is activated")
	}
	return key, nil
}

// DeprecateKey moves a retired key to deprecated. Deprecated keys still
// decrypt but can never be activated again.
func (m *Manager) DeprecateKey(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error) {
	return m.transition(ctx, kid, "deprecate", audit.EventTypeKeyDeprecate, actor, func(_ store.KeyTx, k *model.EncryptionKey, now time.Time) error {
		if !k.Status.CanTransitionTo(model.KeyStatusDeprecated) {
			return fmt.Errorf("key %d is %s: %w", kid, k.Status, errs.ErrConflict)
		}
		k.Status = model.KeyStatusDeprecated
		k.DeprecatedAt = &now
		return nil
	})
}

// PurgeKeyMaterial destroys the material of a deprecated key that no image
// or open rotation references. Purging an already purged key is a no-op.
func (m *Manager) PurgeKeyMaterial(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error) {
	return m.transition(ctx, kid, "purge", audit.EventTypeKeyPurge, actor, func(tx store.KeyTx, k *model.EncryptionKey, now time.Time) error {
		if k.Status != model.KeyStatusDeprecated {
			return fmt.Errorf("key %d is %s, only deprecated keys can be purged: %w", kid, k.Status, errs.ErrConflict)
		}
		if !k.HasMaterial() {
			return nil
		}
		if err := unreferenced(ctx, tx, kid); err != nil {
			return err
		}
		crypto.Zero(k.Material)
		k.Material = nil
		k.PurgedAt = &now
		return nil
	})
}

// DeleteKey removes a key record. Active keys and keys still referenced by
// images or open rotations cannot be deleted.
func (m *Manager) DeleteKey(ctx context.Context, kid int64, actor string) error {
	var deleted *model.EncryptionKey
	err := m.store.UpdateKeys(ctx, func(tx store.KeyTx) error {
		k, err := tx.GetKey(ctx, kid)
		if err != nil {
			return err
		}
		if k.Status == model.KeyStatusActive {
			return fmt.Errorf("key %d is active: %w", kid, errs.ErrConflict)
		}
		if err := unreferenced(ctx, tx, kid); err != nil {
			return err
		}
		deleted = k
		return tx.DeleteKey(ctx, kid)
	})
	m.record("delete", err)
	m.audit.LogKeyEvent(audit.EventTypeKeyDelete, actor, kid, deleted, err)
	if err != nil {
		return fmt.Errorf("failed to delete key %d: %w", kid, err)
	}

	m.invalidate(ctx, kid)
	m.logger.WithFields(logrus.Fields{"key_id": kid, "actor": actor}).Info("Encryption key deleted")
	return nil
}

// unreferenced fails with errs.ErrConflict while an image or a pending or
// running rotation still needs kid. It runs inside the key transaction so
// the answer holds until commit.
func unreferenced(ctx context.Context, tx store.KeyTx, kid int64) error {
	open, err := tx.KeyInOpenRotation(ctx, kid)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("key %d is used by an unfinished rotation: %w", kid, errs.ErrConflict)
	}
	count, err := tx.KeyUsage(ctx, kid)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("key %d still protects %d images: %w", kid, count, errs.ErrConflict)
	}
	return nil
}

// transition applies mutate to kid inside a key transaction and handles
// audit, metrics, cache invalidation and logging.
func (m *Manager) transition(ctx context.Context, kid int64, op string, event audit.EventType, actor string,
	mutate func(tx store.KeyTx, k *model.EncryptionKey, now time.Time) error) (*model.EncryptionKey, error) {
	var updated *model.EncryptionKey
	err := m.store.UpdateKeys(ctx, func(tx store.KeyTx) error {
		k, err := tx.GetKey(ctx, kid)
		if err != nil {
			return err
		}
		if err := mutate(tx, k, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateKey(ctx, k); err != nil {
			return err
		}
		updated = k
		return nil
	})
	m.record(op, err)
	m.audit.LogKeyEvent(event, actor, kid, updated, err)
	if err != nil {
		return nil, fmt.Errorf("failed to %s key %d: %w", op, kid, err)
	}

	m.invalidate(ctx, kid)
	m.logger.WithFields(logrus.Fields{
		"key_id":  kid,
		"version": updated.Version,
		"status":  updated.Status,
		"actor":   actor,
	}).Infof("Encryption key %sd", op)
	return updated.Redacted(), nil
}

// GetActiveKey returns the active key without material, or nil when
// encryption is unavailable.
func (m *Manager) GetActiveKey(ctx context.Context) (*model.EncryptionKey, error) {
	k, err := m.store.GetActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	return k.Redacted(), nil
}

// GetKey returns a key without material.
func (m *Manager) GetKey(ctx context.Context, kid int64) (*model.EncryptionKey, error) {
	k, err := m.store.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	return k.Redacted(), nil
}

// ListKeys returns all keys without material, version ascending.
func (m *Manager) ListKeys(ctx context.Context) ([]*model.EncryptionKey, error) {
	keys, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.EncryptionKey, len(keys))
	for i, k := range keys {
		out[i] = k.Redacted()
	}
	return out, nil
}

// GetKeyStats reports how many images, and how many plaintext bytes, a key protects.
func (m *Manager) GetKeyStats(ctx context.Context, kid int64) (*model.KeyStats, error) {
	k, err := m.store.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	count, total, err := m.store.KeyUsage(ctx, kid)
	if err != nil {
		return nil, err
	}
	return &model.KeyStats{
		KeyID:          k.ID,
		Version:        k.Version,
		Status:         k.Status,
		ImageCount:     count,
		TotalSizeBytes: total,
		HasMaterial:    k.HasMaterial(),
	}, nil
}

// KeyMaterial returns kid with its material, whatever its status. A missing
// record or purged material yields errs.ErrKeyNotFound.
func (m *Manager) KeyMaterial(ctx context.Context, kid int64) (*model.EncryptionKey, error) {
	if m.cache != nil {
		if k, ok := m.cache.Get(ctx, kid); ok {
			return k, nil
		}
	}

	k, err := m.store.GetKey(ctx, kid)
	if err != nil {
		if errs.Category(err) == errs.CategoryNotFound {
			return nil, fmt.Errorf("key %d: %w", kid, errs.ErrKeyNotFound)
		}
		return nil, err
	}
	if !k.HasMaterial() {
		return nil, fmt.Errorf("key %d material purged: %w", kid, errs.ErrKeyNotFound)
	}
	if m.cache != nil {
		m.cache.Set(ctx, k, m.cacheTTL)
	}
	return k, nil
}

// ActiveKeyMaterial returns the active key with its material, or
// errs.ErrNoActiveKey. It always reads the store so activation is seen
// immediately.
func (m *Manager) ActiveKeyMaterial(ctx context.Context) (*model.EncryptionKey, error) {
	k, err := m.store.GetActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, errs.ErrNoActiveKey
	}
	if !k.HasMaterial() {
		return nil, fmt.Errorf("active key %d material missing: %w", k.ID, errs.ErrKeyNotFound)
	}
	return k, nil
}

func (m *Manager) invalidate(ctx context.Context, kid int64) {
	if m.cache != nil {
		m.cache.Delete(ctx, kid)
	}
}

func (m *Manager) record(op string, err error) {
	if m.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = errs.Category(err)
	}
	m.metrics.RecordKeyOperation(op, result)
}
