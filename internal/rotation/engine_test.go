package rotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/config"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/imagecrypt"
	"github.com/kenneth/image-keyring/internal/keyring"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/objectstore"
	"github.com/kenneth/image-keyring/internal/store/memory"
)

type harness struct {
	root     string
	registry *prometheus.Registry
	store    *memory.Store
	keys     *keyring.Manager
	images   *imagecrypt.Service
	logger   *logrus.Logger
	audit    audit.Logger
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	objects, err := objectstore.NewFSStore(root)
	require.NoError(t, err)

	st := memory.New()
	al := audit.NewLogger(1000, audit.NewJSONWriter(io.Discard))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	keys, err := keyring.NewManager(st, keyring.Options{Audit: al, Metrics: m, Logger: logger})
	require.NoError(t, err)
	images := imagecrypt.NewService(keys, st, objects, imagecrypt.Options{KeyPrefix: "images", Logger: logger})

	return &harness{root: root, registry: reg, store: st, keys: keys, images: images, logger: logger, audit: al, metrics: m}
}

func (h *harness) engine(t *testing.T, re ReEncrypter, cfg config.RotationConfig) *Engine {
	t.Helper()
	if re == nil {
		re = h.images
	}
	e := NewEngine(h.store, h.keys, re, cfg, Options{Audit: h.audit, Metrics: h.metrics, Logger: h.logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func (h *harness) activate(t *testing.T) *model.EncryptionKey {
	t.Helper()
	ctx := context.Background()
	k, err := h.keys.CreateKey(ctx, "", "test")
	require.NoError(t, err)
	_, err = h.keys.ActivateKey(ctx, k.ID, "test")
	require.NoError(t, err)
	return k
}

func (h *harness) seed(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("img-%02d", i)
		_, err := h.images.StoreImage(context.Background(), ids[i], "image/png", strings.NewReader("content of "+ids[i]))
		require.NoError(t, err)
	}
	return ids
}

func (h *harness) keyOf(t *testing.T, id string) int64 {
	t.Helper()
	img, err := h.store.GetImage(context.Background(), id)
	require.NoError(t, err)
	return img.EncryptionKeyID
}

func waitTerminal(t *testing.T, e *Engine, id uuid.UUID) *model.RotationOperation {
	t.Helper()
	var op *model.RotationOperation
	require.Eventually(t, func() bool {
		var err error
		op, err = e.GetRotation(context.Background(), id)
		require.NoError(t, err)
		return op.Status.Terminal() && !e.Running(id)
	}, 10*time.Second, 5*time.Millisecond)
	return op
}

func smallBatches() config.RotationConfig {
	return config.RotationConfig{DefaultBatchSize: 4, MaxBatchSize: 10, Concurrency: 2, ProgressBuffer: 64}
}

func TestRotationCompleteness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	ids := h.seed(t, 25)
	k2 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, int64(25), op.TotalImages)
	assert.Equal(t, 4, op.BatchSize)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(25), final.ProcessedImages)
	assert.Equal(t, int64(0), final.FailedImages)
	assert.Equal(t, 100.0, final.PercentComplete())
	assert.NotNil(t, final.CompletedAt)

	for _, id := range ids {
		assert.Equal(t, k2.ID, h.keyOf(t, id), id)
	}
	count, _, err := h.store.KeyUsage(ctx, k1.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	r, _, err := h.images.OpenImage(ctx, "img-07")
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "content of img-07", string(data))
}

func TestRotationWithoutSourceKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t)
	h.seed(t, 3)
	k3 := h.activate(t)
	_, err := h.images.StoreImage(ctx, "already", "", strings.NewReader("on k3"))
	require.NoError(t, err)
	e := h.engine(t, nil, smallBatches())

	op, err := e.StartRotation(ctx, StartRequest{ToKeyID: k3.ID, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), op.TotalImages, "images already on the target are not counted")

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(3), final.ProcessedImages)
}

func TestRotationEmpty(t *testing.T) {
	h := newHarness(t)
	k1 := h.activate(t)
	k2 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	from := k1.ID
	op, err := e.StartRotation(context.Background(), StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, 100.0, final.PercentComplete())
}

func TestRotationPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 25)

	bad, err := h.store.GetImage(ctx, "img-13")
	require.NoError(t, err)
	p := filepath.Join(h.root, filepath.FromSlash(bad.Locator))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x80
	require.NoError(t, os.WriteFile(p, data, 0o600))

	k2 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status, "per-image failures never fail the rotation")
	assert.Equal(t, int64(24), final.ProcessedImages)
	assert.Equal(t, int64(1), final.FailedImages)

	failures, err := e.ListFailures(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "img-13", failures[0].ImageID)
	assert.Equal(t, errs.CategoryAuthentication, failures[0].Reason)

	assert.Equal(t, k1.ID, h.keyOf(t, "img-13"))
	assert.Equal(t, k2.ID, h.keyOf(t, "img-12"))
}

// hookReEncrypter runs hook before delegating each call.
type hookReEncrypter struct {
	inner ReEncrypter
	calls atomic.Int64
	hook  func(n int64)
}

func (r *hookReEncrypter) MoveImage(ctx context.Context, id string, kid int64) (*model.ImageRef, bool, error) {
	n := r.calls.Add(1)
	if r.hook != nil {
		r.hook(n)
	}
	return r.inner.MoveImage(ctx, id, kid)
}

func TestRotationCancelAfterFirstBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 25)
	k2 := h.activate(t)

	re := &hookReEncrypter{inner: h.images}
	cfg := smallBatches()
	cfg.Concurrency = 1
	e := h.engine(t, re, cfg)

	var opID atomic.Value
	re.hook = func(n int64) {
		if n == 4 {
			ok, err := e.CancelRotation(ctx, opID.Load().(uuid.UUID), "ops")
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	}

	// The id must be visible to the hook before the worker starts.
	from := k1.ID
	op, err := e.createRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID, Actor: "ops"})
	require.NoError(t, err)
	opID.Store(op.ID)
	e.launch(op.ID)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCancelled, final.Status)
	assert.True(t, final.CancelRequested)
	assert.Equal(t, "ops", final.CancelledBy)
	assert.Equal(t, int64(4), final.ProcessedImages, "in-flight batch finishes, no further batch starts")

	count, _, err := h.store.KeyUsage(ctx, k1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(21), count, "no rollback of processed images")

	ok, err := e.CancelRotation(ctx, op.ID, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "already terminal")
}

// gateReEncrypter blocks every call until release is closed.
type gateReEncrypter struct {
	inner   ReEncrypter
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func newGate(inner ReEncrypter) *gateReEncrypter {
	return &gateReEncrypter{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateReEncrypter) MoveImage(ctx context.Context, id string, kid int64) (*model.ImageRef, bool, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.MoveImage(ctx, id, kid)
}

func TestRotationConflictOnSameTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 5)
	k2 := h.activate(t)

	gate := newGate(h.images)
	e := h.engine(t, gate, smallBatches())

	from := k1.ID
	first, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)
	<-gate.started

	_, err = e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	assert.ErrorIs(t, err, errs.ErrConflict)

	close(gate.release)
	final := waitTerminal(t, e, first.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)

	second, err := e.StartRotation(ctx, StartRequest{ToKeyID: k2.ID})
	require.NoError(t, err, "a finished rotation frees the target")
	assert.Equal(t, model.RotationCompleted, waitTerminal(t, e, second.ID).Status)
}

func TestStartRotationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	k2 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	_, err := e.StartRotation(ctx, StartRequest{ToKeyID: 999})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	missing := int64(998)
	_, err = e.StartRotation(ctx, StartRequest{FromKeyID: &missing, ToKeyID: k2.ID})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	same := k2.ID
	_, err = e.StartRotation(ctx, StartRequest{FromKeyID: &same, ToKeyID: k2.ID})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = h.keys.DeprecateKey(ctx, k1.ID, "test")
	require.NoError(t, err)
	_, err = e.StartRotation(ctx, StartRequest{ToKeyID: k1.ID})
	assert.ErrorIs(t, err, errs.ErrConflict)

	op, err := e.StartRotation(ctx, StartRequest{ToKeyID: k2.ID, BatchSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, 10, op.BatchSize, "capped at max batch size")
	waitTerminal(t, e, op.ID)
}

func TestCancelRotation_NotFound(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, nil, smallBatches())
	_, err := e.CancelRotation(context.Background(), uuid.New(), "ops")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProgressStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 10)
	k2 := h.activate(t)

	gate := newGate(h.images)
	e := h.engine(t, gate, smallBatches())

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)

	ch, cancel, err := e.Subscribe(ctx, op.ID)
	require.NoError(t, err)
	defer cancel()
	close(gate.release)

	var snapshots []Progress
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-ch:
			if !ok {
				done = true
				break
			}
			snapshots = append(snapshots, p)
		case <-timeout:
			t.Fatal("progress stream did not terminate")
		}
	}

	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, model.RotationCompleted, last.Status)
	assert.Equal(t, int64(10), last.ProcessedImages)
	assert.Equal(t, 100.0, last.PercentComplete)
	for i := 1; i < len(snapshots); i++ {
		assert.GreaterOrEqual(t, snapshots[i].ProcessedImages, snapshots[i-1].ProcessedImages)
	}

	p, err := e.GetRotationProgress(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ProcessedImages, p.ProcessedImages)

	late, lateCancel, err := e.Subscribe(ctx, op.ID)
	require.NoError(t, err)
	defer lateCancel()
	first, ok := <-late
	require.True(t, ok)
	assert.Equal(t, model.RotationCompleted, first.Status)
	_, ok = <-late
	assert.False(t, ok, "terminal subscription closes after the snapshot")
}

func TestResumeUnfinishedRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 6)
	k2 := h.activate(t)

	from := k1.ID
	now := time.Now().UTC()
	left := &model.RotationOperation{
		ID:          uuid.New(),
		FromKeyID:   &from,
		ToKeyID:     k2.ID,
		Status:      model.RotationRunning,
		BatchSize:   4,
		TotalImages: 6,
		StartedAt:   now,
		UpdatedAt:   now,
		InitiatedBy: "previous-process",
	}
	require.NoError(t, h.store.CreateRotation(ctx, left))

	e := h.engine(t, nil, smallBatches())
	n, err := e.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := waitTerminal(t, e, left.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(6), final.ProcessedImages)
}

func TestCloseStopsAtBatchBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 12)
	k2 := h.activate(t)

	gate := newGate(h.images)
	e := NewEngine(h.store, h.keys, gate, smallBatches(), Options{Logger: h.logger})

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)
	<-gate.started

	closed := make(chan error, 1)
	go func() { closed <- e.Close(context.Background()) }()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.closed
	}, time.Second, time.Millisecond)
	close(gate.release)
	require.NoError(t, <-closed)

	stopped, err := h.store.GetRotation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationRunning, stopped.Status, "interrupted rotations stay running")
	assert.Equal(t, int64(4), stopped.ProcessedImages)

	_, err = e.StartRotation(ctx, StartRequest{ToKeyID: k2.ID})
	assert.ErrorIs(t, err, errs.ErrConflict)

	next := h.engine(t, nil, smallBatches())
	n, err := next.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	final := waitTerminal(t, next, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(12), final.ProcessedImages)
}

type failingReEncrypter struct{}

func (failingReEncrypter) MoveImage(context.Context, string, int64) (*model.ImageRef, bool, error) {
	return nil, false, errs.Storage(errors.New("bucket unreachable"))
}

func TestRotationFailsOnStorageOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 9)
	k2 := h.activate(t)
	e := h.engine(t, failingReEncrypter{}, smallBatches())

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationFailed, final.Status)
	assert.Equal(t, "object storage unavailable", final.ErrorMessage)
	assert.Equal(t, int64(4), final.FailedImages)
}

func TestActivateKeyWithAutoRotate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 7)
	k2, err := h.keys.CreateKey(ctx, "", "ops")
	require.NoError(t, err)
	e := h.engine(t, nil, smallBatches())

	res, err := e.ActivateKey(ctx, k2.ID, "ops", true)
	require.NoError(t, err)
	require.NotNil(t, res.Retired)
	assert.Equal(t, k1.ID, res.Retired.ID)
	require.NotNil(t, res.Rotation)
	require.NotNil(t, res.Rotation.FromKeyID)
	assert.Equal(t, k1.ID, *res.Rotation.FromKeyID)

	final := waitTerminal(t, e, res.Rotation.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(7), final.ProcessedImages)

	again, err := e.ActivateKey(ctx, k2.ID, "ops", true)
	require.NoError(t, err)
	assert.Nil(t, again.Rotation, "no key was retired")
}

func TestListRotations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t)
	k2 := h.activate(t)
	k3 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	a, err := e.StartRotation(ctx, StartRequest{ToKeyID: k2.ID})
	require.NoError(t, err)
	waitTerminal(t, e, a.ID)
	b, err := e.StartRotation(ctx, StartRequest{ToKeyID: k3.ID})
	require.NoError(t, err)
	waitTerminal(t, e, b.ID)

	ops, err := e.ListRotations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, b.ID, ops[0].ID, "newest first")
}

func (h *harness) activeWorkers(t *testing.T, want int) error {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP rotations_active Number of rotation workers currently running
# TYPE rotations_active gauge
rotations_active %d
`, want)
	return testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "rotations_active")
}

func TestTwoEnginesResumeOneRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 8)
	k2 := h.activate(t)

	from := k1.ID
	now := time.Now().UTC()
	left := &model.RotationOperation{
		ID:          uuid.New(),
		FromKeyID:   &from,
		ToKeyID:     k2.ID,
		Status:      model.RotationRunning,
		BatchSize:   4,
		TotalImages: 8,
		StartedAt:   now,
		UpdatedAt:   now,
		InitiatedBy: "previous-process",
	}
	require.NoError(t, h.store.CreateRotation(ctx, left))

	cfg := smallBatches()
	cfg.LeaseDuration = 150 * time.Millisecond
	cfgA, cfgB := cfg, cfg
	cfgA.Owner, cfgB.Owner = "engine-a", "engine-b"
	gate := newGate(h.images)
	a := h.engine(t, gate, cfgA)
	b := h.engine(t, gate, cfgB)

	n, err := a.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-gate.started

	n, err = b.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, b.Running(left.ID), "second engine waits for the lease")

	// Outlive several lease periods while the first batch is held open;
	// the renewals must keep the second engine out.
	time.Sleep(4 * cfg.LeaseDuration)
	op, err := h.store.GetRotation(ctx, left.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", op.Owner)
	assert.NoError(t, h.activeWorkers(t, 1), "a waiting worker is not an active rotation")

	close(gate.release)
	final := waitTerminal(t, a, left.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(8), final.ProcessedImages)
	assert.Zero(t, final.FailedImages)
	assert.Equal(t, int64(8), final.TotalImages)
	assert.Equal(t, "engine-a", final.Owner)
	assert.Nil(t, final.LeaseUntil)

	require.Eventually(t, func() bool { return !b.Running(left.ID) }, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, h.activeWorkers(t, 0))

	count, _, err := h.store.KeyUsage(ctx, k2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 5)
	k2 := h.activate(t)

	from := k1.ID
	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	left := &model.RotationOperation{
		ID:          uuid.New(),
		FromKeyID:   &from,
		ToKeyID:     k2.ID,
		Status:      model.RotationRunning,
		BatchSize:   2,
		TotalImages: 5,
		StartedAt:   now,
		UpdatedAt:   now,
		Owner:       "crashed-host:42",
		LeaseUntil:  &expired,
	}
	require.NoError(t, h.store.CreateRotation(ctx, left))

	cfg := smallBatches()
	cfg.Owner = "survivor"
	e := h.engine(t, nil, cfg)
	_, err := e.Resume(ctx)
	require.NoError(t, err)

	final := waitTerminal(t, e, left.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, "survivor", final.Owner)
	assert.Equal(t, int64(5), final.ProcessedImages)
}

// Images moved onto the target by someone else are not counted as work.
func TestRotationSkipsImagesAlreadyOnTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k1 := h.activate(t)
	h.seed(t, 4)
	k2 := h.activate(t)

	cfg := smallBatches()
	cfg.Concurrency = 1
	re := &hookReEncrypter{inner: h.images}
	re.hook = func(n int64) {
		if n == 1 {
			// Another writer moves img-01 before this worker reaches it.
			_, err := h.images.ReEncryptImage(ctx, "img-01", k2.ID)
			assert.NoError(t, err)
		}
	}
	e := h.engine(t, re, cfg)

	from := k1.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: k2.ID})
	require.NoError(t, err)

	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCompleted, final.Status)
	assert.Equal(t, int64(3), final.ProcessedImages)
	assert.Zero(t, final.FailedImages)
}

// staleReadStore lets onRead run after the rotation row was read but before
// the read is returned.
type staleReadStore struct {
	Store
	onRead func(id uuid.UUID)
}

func (s *staleReadStore) GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error) {
	op, err := s.Store.GetRotation(ctx, id)
	if err == nil && s.onRead != nil {
		s.onRead(id)
		s.onRead = nil
	}
	return op, err
}

func TestSubscribe_RotationFinishesWhileSubscribing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t)
	h.seed(t, 2)
	k2 := h.activate(t)

	st := &staleReadStore{Store: h.store}
	e := NewEngine(st, h.keys, h.images, smallBatches(), Options{Logger: h.logger})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	op, err := e.createRotation(ctx, StartRequest{ToKeyID: k2.ID})
	require.NoError(t, err)

	st.onRead = func(id uuid.UUID) {
		done, err := h.store.UpdateRotation(ctx, id, func(r *model.RotationOperation) error {
			now := time.Now().UTC()
			r.Status = model.RotationCompleted
			r.CompletedAt = &now
			return nil
		})
		require.NoError(t, err)
		e.broker.Publish(ProgressOf(done))
	}

	ch, cancel, err := e.Subscribe(ctx, op.ID)
	require.NoError(t, err)
	defer cancel()

	var last Progress
	timeout := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case p, ok := <-ch:
			if ok {
				last = p
			}
			open = ok
		case <-timeout:
			t.Fatalf("subscription never closed, last snapshot %q", last.Status)
		}
	}
	assert.Equal(t, model.RotationCompleted, last.Status)
	assert.Zero(t, e.broker.SubscriberCount(op.ID))
}

func TestSubscribe_UnknownRotation(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, nil, smallBatches())

	id := uuid.New()
	_, _, err := e.Subscribe(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, e.broker.SubscriberCount(id))
}

func TestCancelledPendingRotationRecordsNoWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t)
	h.seed(t, 3)
	k2 := h.activate(t)
	e := h.engine(t, nil, smallBatches())

	op, err := e.createRotation(ctx, StartRequest{ToKeyID: k2.ID})
	require.NoError(t, err)
	ok, err := e.CancelRotation(ctx, op.ID, "ops")
	require.NoError(t, err)
	require.True(t, ok)

	e.launch(op.ID)
	final := waitTerminal(t, e, op.ID)
	assert.Equal(t, model.RotationCancelled, final.Status)
	assert.Empty(t, final.Owner, "a terminal rotation is never claimed")
	assert.Zero(t, final.ProcessedImages)
	assert.NoError(t, h.activeWorkers(t, 0))
	n, err := testutil.GatherAndCount(h.registry, "rotations_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}
