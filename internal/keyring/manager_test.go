package keyring

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/cache"
	"github.com/kenneth/image-keyring/internal/crypto"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	manager *Manager
	audit   audit.Logger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := memory.New()
	al := audit.NewLogger(100, audit.NewJSONWriter(io.Discard))
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	mgr, err := NewManager(st, Options{
		Cache:    cache.NewMemoryCache(16, time.Minute),
		CacheTTL: time.Minute,
		Audit:    al,
		Metrics:  m,
		Logger:   logger,
	})
	require.NoError(t, err)
	return &fixture{store: st, manager: mgr, audit: al, metrics: m}
}

func TestNewManager_RejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewManager(memory.New(), Options{Algorithm: "DES"})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestCreateKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.manager.CreateKey(ctx, "first", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, k.Version)
	assert.Equal(t, model.KeyStatusCreated, k.Status)
	assert.Equal(t, crypto.AlgorithmAES256GCM, k.Algorithm)
	assert.Equal(t, "alice", k.CreatedBy)
	assert.Nil(t, k.Material, "returned keys must be redacted")

	stored, err := f.store.GetKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Material, crypto.KeySize)

	active, err := f.manager.GetActiveKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "creation never activates")
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, err := f.manager.CreateKey(ctx, "", "ops")
	require.NoError(t, err)
	act, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusActive, act.Activated.Status)
	assert.Nil(t, act.Retired)
	assert.NotNil(t, act.Activated.ActivatedAt)

	k2, err := f.manager.CreateKey(ctx, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, k2.Version)

	act, err = f.manager.ActivateKey(ctx, k2.ID, "ops")
	require.NoError(t, err)
	require.NotNil(t, act.Retired)
	assert.Equal(t, k1.ID, act.Retired.ID)
	assert.Equal(t, model.KeyStatusRetired, act.Retired.Status)
	assert.NotNil(t, act.Retired.RetiredAt)
	assert.Equal(t, 2, f.manager.ActiveVersion())

	active, err := f.manager.GetActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, k2.ID, active.ID)

	dep, err := f.manager.DeprecateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusDeprecated, dep.Status)

	_, err = f.manager.ActivateKey(ctx, k1.ID, "ops")
	assert.ErrorIs(t, err, errs.ErrConflict, "deprecated keys cannot be activated")

	purged, err := f.manager.PurgeKeyMaterial(ctx, k1.ID, "ops")
	require.NoError(t, err)
	assert.NotNil(t, purged.PurgedAt)

	_, err = f.manager.KeyMaterial(ctx, k1.ID)
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)

	keys, err := f.manager.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, 1, keys[0].Version)
	assert.Equal(t, 2, keys[1].Version)

	var types []audit.EventType
	for _, e := range f.audit.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventTypeKeyCreate,
		audit.EventTypeKeyActivate,
		audit.EventTypeKeyCreate,
		audit.EventTypeKeyActivate,
		audit.EventTypeKeyRetire,
		audit.EventTypeKeyDeprecate,
		audit.EventTypeKeyActivate,
		audit.EventTypeKeyPurge,
	}, types)
}

func TestActivateKey_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.manager.CreateKey(ctx, "", "ops")
	require.NoError(t, err)
	first, err := f.manager.ActivateKey(ctx, k.ID, "ops")
	require.NoError(t, err)

	again, err := f.manager.ActivateKey(ctx, k.ID, "ops")
	require.NoError(t, err)
	assert.Nil(t, again.Retired)
	assert.Equal(t, first.Activated.ActivatedAt, again.Activated.ActivatedAt)
}

func TestActivateKey_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.ActivateKey(context.Background(), 99, "ops")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestActivateKey_ReactivatesRetired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, _ := f.manager.CreateKey(ctx, "", "ops")
	k2, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	_, err = f.manager.ActivateKey(ctx, k2.ID, "ops")
	require.NoError(t, err)

	act, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, k1.ID, act.Activated.ID)
	assert.Nil(t, act.Activated.RetiredAt)
	assert.Equal(t, k2.ID, act.Retired.ID)
}

func TestRetireKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k.ID, "ops")
	require.NoError(t, err)

	retired, err := f.manager.RetireKey(ctx, k.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusRetired, retired.Status)
	assert.Equal(t, 0, f.manager.ActiveVersion())

	_, err = f.manager.ActiveKeyMaterial(ctx)
	assert.ErrorIs(t, err, errs.ErrNoActiveKey)

	_, err = f.manager.RetireKey(ctx, k.ID, "ops")
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.manager.RetireKey(ctx, 1234, "ops")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	created, _ := f.manager.CreateKey(ctx, "", "ops")
	r, err := f.manager.RetireKey(ctx, created.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusRetired, r.Status)
}

func TestDeprecateKey_OnlyFromRetired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.DeprecateKey(ctx, k.ID, "ops")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestPurgeKeyMaterial_RejectsReferencedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.RetireKey(ctx, k.ID, "ops")
	require.NoError(t, err)
	_, err = f.manager.DeprecateKey(ctx, k.ID, "ops")
	require.NoError(t, err)

	require.NoError(t, f.store.CreateImage(ctx, &model.ImageRef{
		ID:              "img-1",
		StorageKey:      "img-1",
		Locator:         "img-1",
		IsEncrypted:     true,
		EncryptionKeyID: k.ID,
		SizeBytes:       10,
	}))

	_, err = f.manager.PurgeKeyMaterial(ctx, k.ID, "ops")
	assert.ErrorIs(t, err, errs.ErrConflict)

	material, err := f.manager.KeyMaterial(ctx, k.ID)
	require.NoError(t, err)
	assert.Len(t, material.Material, crypto.KeySize)
}

func TestPurgeKeyMaterial_RequiresDeprecated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.PurgeKeyMaterial(ctx, k.ID, "ops")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestDeleteKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, _ := f.manager.CreateKey(ctx, "", "ops")
	k2, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.DeleteKey(ctx, k1.ID, "ops"), errs.ErrConflict, "active key")

	require.NoError(t, f.store.CreateImage(ctx, &model.ImageRef{
		ID: "img", StorageKey: "img", Locator: "img", IsEncrypted: true, EncryptionKeyID: k2.ID,
	}))
	assert.ErrorIs(t, f.manager.DeleteKey(ctx, k2.ID, "ops"), errs.ErrConflict, "referenced key")

	require.NoError(t, f.store.DeleteImage(ctx, "img"))
	require.NoError(t, f.manager.DeleteKey(ctx, k2.ID, "ops"))

	_, err = f.manager.GetKey(ctx, k2.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	k3, err := f.manager.CreateKey(ctx, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, k3.Version, "versions are never reused")
}

func openRotation(t *testing.T, f *fixture, from *int64, to int64) *model.RotationOperation {
	t.Helper()
	now := time.Now().UTC()
	op := &model.RotationOperation{
		ID: uuid.New(), FromKeyID: from, ToKeyID: to, Status: model.RotationRunning,
		BatchSize: 10, StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateRotation(context.Background(), op))
	return op
}

func finishRotation(t *testing.T, f *fixture, op *model.RotationOperation) {
	t.Helper()
	_, err := f.store.UpdateRotation(context.Background(), op.ID, func(r *model.RotationOperation) error {
		r.Status = model.RotationCompleted
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteKey_RejectedWhileRotationTargetsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	target, _ := f.manager.CreateKey(ctx, "", "ops")

	op := openRotation(t, f, nil, target.ID)
	err = f.manager.DeleteKey(ctx, target.ID, "ops")
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.Contains(t, err.Error(), "unfinished rotation")

	_, err = f.manager.GetKey(ctx, target.ID)
	require.NoError(t, err, "key survives the rejected delete")

	finishRotation(t, f, op)
	require.NoError(t, f.manager.DeleteKey(ctx, target.ID, "ops"))
}

func TestPurgeKeyMaterial_RejectedWhileRotationReadsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	k2, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err = f.manager.ActivateKey(ctx, k2.ID, "ops")
	require.NoError(t, err)
	_, err = f.manager.DeprecateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)

	from := k1.ID
	op := openRotation(t, f, &from, k2.ID)
	_, err = f.manager.PurgeKeyMaterial(ctx, k1.ID, "ops")
	require.ErrorIs(t, err, errs.ErrConflict)

	material, err := f.manager.KeyMaterial(ctx, k1.ID)
	require.NoError(t, err)
	assert.Len(t, material.Material, crypto.KeySize)

	finishRotation(t, f, op)
	purged, err := f.manager.PurgeKeyMaterial(ctx, k1.ID, "ops")
	require.NoError(t, err)
	assert.NotNil(t, purged.PurgedAt)
}

// An image commit that loaded the key before a delete must not land on the
// deleted key.
func TestDeleteKey_LateCommitIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, _ := f.manager.CreateKey(ctx, "", "ops")
	_, err := f.manager.ActivateKey(ctx, k1.ID, "ops")
	require.NoError(t, err)
	spare, _ := f.manager.CreateKey(ctx, "", "ops")

	require.NoError(t, f.store.CreateImage(ctx, &model.ImageRef{
		ID: "img", StorageKey: "img", Locator: "img", IsEncrypted: true, EncryptionKeyID: k1.ID,
	}))
	require.NoError(t, f.manager.DeleteKey(ctx, spare.ID, "ops"))

	_, err = f.store.UpdateEncryption(ctx, "img", 0, model.EncryptionState{
		Locator: "img.r1", IsEncrypted: true, EncryptionKeyID: spare.ID,
		IV: make([]byte, 12), AuthTag: make([]byte, 16),
	})
	require.ErrorIs(t, err, errs.ErrKeyNotFound)

	img, err := f.store.GetImage(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, k1.ID, img.EncryptionKeyID)

	count, _, err := f.store.KeyUsage(ctx, spare.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVersionMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	versions := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := f.manager.CreateKey(ctx, "", "ops")
			if assert.NoError(t, err) {
				versions <- k.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := 1; v <= n; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestConcurrentActivation_SingleActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 6; i++ {
		k, err := f.manager.CreateKey(ctx, "", "ops")
		require.NoError(t, err)
		ids = append(ids, k.ID)
	}

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, _ = f.manager.ActivateKey(ctx, id, "ops")
			}(id)
		}
	}
	wg.Wait()

	keys, err := f.manager.ListKeys(ctx)
	require.NoError(t, err)
	active := 0
	for _, k := range keys {
		if k.Status == model.KeyStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestKeyMaterial_UsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")

	first, err := f.manager.KeyMaterial(ctx, k.ID)
	require.NoError(t, err)
	second, err := f.manager.KeyMaterial(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Material, second.Material)

	stats := f.manager.cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)

	_, err = f.manager.KeyMaterial(ctx, 404)
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestGetKeyStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, _ := f.manager.CreateKey(ctx, "", "ops")
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.store.CreateImage(ctx, &model.ImageRef{
			ID: id, StorageKey: id, Locator: id, IsEncrypted: true, EncryptionKeyID: k.ID, SizeBytes: 100,
		}))
	}

	stats, err := f.manager.GetKeyStats(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ImageCount)
	assert.Equal(t, int64(200), stats.TotalSizeBytes)
	assert.True(t, stats.HasMaterial)
}
