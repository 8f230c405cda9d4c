// Package rotation re-encrypts images from one key onto another while the
// service stays online.
//
// A rotation is a persisted operation worked by one goroutine. Engines that
// share a store coordinate through a lease on the rotation row: a worker
// claims the row under its owner name, renews the lease while it works and
// stops as soon as the row names another owner. The worker
// repeatedly claims a batch of images that still match the rotation's
// filter, re-encrypts them with bounded concurrency, persists the counters
// and checks for cancellation. Work is never rolled back: images already
// moved stay on the new key. Per-image failures are recorded in a failure
// ledger and excluded from later batches; they never fail the rotation.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/config"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/keyring"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
	"github.com/kenneth/image-keyring/internal/tracing"
)

// maxConflictRetries bounds how often one image is retried after losing a
// revision race before it is recorded as failed.
const maxConflictRetries = 3

// SystemActor is recorded for transitions made by the engine itself.
const SystemActor = "system"

var (
	errAlreadyTerminal = errors.New("rotation already terminal")
	errLeaseHeld       = errors.New("rotation leased by another engine")
	errLeaseLost       = errors.New("rotation taken over by another engine")
)

// Store is the persistence the engine needs.
type Store interface {
	store.ImageStore
	store.RotationStore
}

// Keys is the part of the keyring the engine uses.
type Keys interface {
	GetKey(ctx context.Context, kid int64) (*model.EncryptionKey, error)
	ActivateKey(ctx context.Context, kid int64, actor string) (*keyring.Activation, error)
}

// ReEncrypter moves a single image onto a key. moved is false when the
// image was already under newKid.
type ReEncrypter interface {
	MoveImage(ctx context.Context, imageID string, newKid int64) (img *model.ImageRef, moved bool, err error)
}

// StartRequest describes a rotation to start. A nil FromKeyID rotates every
// encrypted image not already under ToKeyID.
type StartRequest struct {
	FromKeyID *int64 `json:"from_key_id,omitempty"`
	ToKeyID   int64  `json:"to_key_id"`
	BatchSize int    `json:"batch_size,omitempty"`
	Actor     string `json:"-"`
}

// ActivationResult is the outcome of Engine.ActivateKey.
type ActivationResult struct {
	*keyring.Activation
	Rotation *model.RotationOperation `json:"rotation,omitempty"`
	// RotationError is set when the key was activated but the follow-up
	// rotation could not be started.
	RotationError string `json:"rotation_error,omitempty"`
}

// Options carries the engine's optional collaborators.
type Options struct {
	Audit   audit.Logger
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Engine runs rotations.
type Engine struct {
	store   Store
	keys    Keys
	images  ReEncrypter
	broker  *Broker
	cfg     config.RotationConfig
	audit   audit.Logger
	metrics *metrics.Metrics
	logger  *logrus.Logger
	tracer  trace.Tracer
	owner   string

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	closed  bool
	workers map[uuid.UUID]struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine. Zero batch and concurrency settings fall back
// to 100 images per batch and 1 worker per batch; a zero lease to 30s. An
// empty owner becomes host:pid.
func NewEngine(s Store, keys Keys, images ReEncrypter, cfg config.RotationConfig, opts Options) *Engine {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = cfg.DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:   s,
		keys:    keys,
		images:  images,
		broker:  NewBroker(cfg.ProgressBuffer),
		cfg:     cfg,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		tracer:  tracing.Tracer(),
		owner:   cfg.Owner,
		baseCtx: ctx,
		stop:    stop,
		workers: make(map[uuid.UUID]struct{}),
	}
}

// Broker returns the engine's progress broker.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// StartRotation validates req, persists a pending rotation and starts its
// worker. It returns without waiting for any image to be processed.
func (e *Engine) StartRotation(ctx context.Context, req StartRequest) (*model.RotationOperation, error) {
	op, err := e.createRotation(ctx, req)
	e.audit.LogRotationEvent(audit.EventTypeRotationStart, req.Actor, op, err)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"rotation_id":  op.ID,
		"to_key_id":    op.ToKeyID,
		"from_key_id":  op.FromKeyID,
		"total_images": op.TotalImages,
		"batch_size":   op.BatchSize,
		"actor":        req.Actor,
	}).Info("Rotation started")

	e.broker.Publish(ProgressOf(op))
	e.launch(op.ID)
	return op, nil
}

func (e *Engine) createRotation(ctx context.Context, req StartRequest) (*model.RotationOperation, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("rotation engine is shutting down: %w", errs.ErrConflict)
	}

	target, err := e.keys.GetKey(ctx, req.ToKeyID)
	if err != nil {
		return nil, fmt.Errorf("target key %d: %w", req.ToKeyID, err)
	}
	if target.Status == model.KeyStatusDeprecated {
		return nil, fmt.Errorf("target key %d is deprecated: %w", req.ToKeyID, errs.ErrConflict)
	}
	if req.FromKeyID != nil {
		if *req.FromKeyID == req.ToKeyID {
			return nil, fmt.Errorf("source and target key are both %d: %w", req.ToKeyID, errs.ErrInvalidArgument)
		}
		if _, err := e.keys.GetKey(ctx, *req.FromKeyID); err != nil {
			return nil, fmt.Errorf("source key %d: %w", *req.FromKeyID, err)
		}
	}

	batch := req.BatchSize
	if batch <= 0 {
		batch = e.cfg.DefaultBatchSize
	}
	if batch > e.cfg.MaxBatchSize {
		batch = e.cfg.MaxBatchSize
	}

	now := time.Now().UTC()
	op := &model.RotationOperation{
		ID:          uuid.New(),
		ToKeyID:     req.ToKeyID,
		Status:      model.RotationPending,
		BatchSize:   batch,
		StartedAt:   now,
		UpdatedAt:   now,
		InitiatedBy: req.Actor,
	}
	if req.FromKeyID != nil {
		from := *req.FromKeyID
		op.FromKeyID = &from
	}

	total, err := e.store.CountImages(ctx, op.Filter())
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	op.TotalImages = total

	if err := e.store.CreateRotation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to create rotation: %w", err)
	}
	return op, nil
}

// ActivateKey activates kid and, when autoRotate is set and a key was
// retired by the activation, starts a rotation from it onto kid.
func (e *Engine) ActivateKey(ctx context.Context, kid int64, actor string, autoRotate bool) (*ActivationResult, error) {
	act, err := e.keys.ActivateKey(ctx, kid, actor)
	if err != nil {
		return nil, err
	}
	result := &ActivationResult{Activation: act}
	if !autoRotate || act.Retired == nil {
		return result, nil
	}

	from := act.Retired.ID
	op, err := e.StartRotation(ctx, StartRequest{FromKeyID: &from, ToKeyID: kid, Actor: actor})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"key_id": kid,
			"error":  errs.Category(err),
		}).Warn("Key activated but automatic rotation could not start")
		result.RotationError = errs.Category(err)
		return result, nil
	}
	result.Rotation = op
	return result, nil
}

// CancelRotation requests cancellation. A pending rotation is cancelled
// immediately; a running one stops at its next batch boundary. It returns
// false when the rotation had already finished.
func (e *Engine) CancelRotation(ctx context.Context, id uuid.UUID, actor string) (bool, error) {
	op, err := e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
		if op.Status.Terminal() {
			return errAlreadyTerminal
		}
		now := time.Now().UTC()
		op.CancelRequested = true
		op.CancelledBy = actor
		op.UpdatedAt = now
		if op.Status == model.RotationPending {
			op.Status = model.RotationCancelled
			op.CompletedAt = &now
		}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	e.audit.LogRotationEvent(audit.EventTypeRotationCancel, actor, op, err)
	if err != nil {
		return false, err
	}

	e.logger.WithFields(logrus.Fields{
		"rotation_id": id,
		"status":      op.Status,
		"actor":       actor,
	}).Info("Rotation cancellation requested")
	if op.Status.Terminal() {
		e.broker.Publish(ProgressOf(op))
	}
	return true, nil
}

// GetRotation returns a rotation by id.
func (e *Engine) GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error) {
	return e.store.GetRotation(ctx, id)
}

// ListRotations returns all rotations, newest first.
func (e *Engine) ListRotations(ctx context.Context) ([]*model.RotationOperation, error) {
	return e.store.ListRotations(ctx)
}

// ListFailures returns the failure ledger of a rotation.
func (e *Engine) ListFailures(ctx context.Context, id uuid.UUID) ([]model.RotationFailure, error) {
	return e.store.ListFailures(ctx, id)
}

// GetRotationProgress returns a progress snapshot of a rotation.
func (e *Engine) GetRotationProgress(ctx context.Context, id uuid.UUID) (*Progress, error) {
	op, err := e.store.GetRotation(ctx, id)
	if err != nil {
		return nil, err
	}
	p := ProgressOf(op)
	return &p, nil
}

// Subscribe streams progress for id, starting with the current snapshot.
// The channel closes after the terminal snapshot or when cancel is called.
//
// The subscriber is registered before the store is read, so a rotation that
// finishes in between still reaches it through Publish or the snapshot.
func (e *Engine) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Progress, func(), error) {
	ch, cancel := e.broker.Subscribe(id, nil)
	op, err := e.store.GetRotation(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	e.broker.Seed(ch, ProgressOf(op))
	return ch, cancel, nil
}

// Resume starts workers for pending and running rotations and returns how
// many were found. A rotation leased by another live engine is left to it;
// the worker waits and takes over only if that lease lapses.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ops, err := e.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished rotations: %w", err)
	}
	for _, op := range ops {
		e.logger.WithFields(logrus.Fields{
			"rotation_id":      op.ID,
			"status":           op.Status,
			"processed_images": op.ProcessedImages,
		}).Info("Resuming rotation")
		e.launch(op.ID)
	}
	return len(ops), nil
}

// Close stops every worker at its next batch boundary and waits for them,
// or for ctx to end. Interrupted rotations stay running with their lease
// released and are picked up by Resume.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a worker for id is active or waiting for a lease
// in this process.
func (e *Engine) Running(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.workers[id]
	return ok
}

func (e *Engine) launch(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, running := e.workers[id]; running {
		return
	}
	e.workers[id] = struct{}{}
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.workers, id)
			e.mu.Unlock()
		}()
		e.run(e.baseCtx, id)
	}()
}

// run is the worker loop. stopCtx ends the loop at a batch boundary; store
// and image calls run detached from it so a batch in flight completes.
func (e *Engine) run(stopCtx context.Context, id uuid.UUID) {
	ctx := context.WithoutCancel(stopCtx)
	logger := e.logger.WithFields(logrus.Fields{"rotation_id": id, "owner": e.owner})

	op := e.claim(stopCtx, id, logger)
	if op == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.RotationStarted()
	}
	var final model.RotationStatus
	defer func() {
		if e.metrics != nil {
			e.metrics.RotationStopped(string(final))
		}
	}()
	e.broker.Publish(ProgressOf(op))

	failed := make(map[string]struct{})
	prior, err := e.store.ListFailures(ctx, id)
	if err != nil {
		final = e.finish(ctx, id, model.RotationFailed, "cannot read failure ledger")
		return
	}
	for _, f := range prior {
		failed[f.ImageID] = struct{}{}
	}
	conflicts := make(map[string]int)

	for {
		if stopCtx.Err() != nil {
			e.releaseLease(ctx, id, logger)
			logger.Info("Rotation worker stopped, will resume on next start")
			return
		}

		op, err = e.store.GetRotation(ctx, id)
		if err != nil {
			logger.WithError(err).Error("Failed to reload rotation")
			final = e.finish(ctx, id, model.RotationFailed, "cannot read rotation state")
			return
		}
		if op.Owner != e.owner {
			logger.WithField("new_owner", op.Owner).Warn("Rotation taken over by another engine, stopping")
			return
		}
		if op.CancelRequested {
			final = e.finish(ctx, id, model.RotationCancelled, "")
			return
		}

		target, err := e.keys.GetKey(ctx, op.ToKeyID)
		if err != nil || target.Status == model.KeyStatusDeprecated {
			final = e.finish(ctx, id, model.RotationFailed, "target key unavailable")
			return
		}

		filter := op.Filter()
		filter.ExcludeIDs = failed
		batch, err := e.store.ListImages(ctx, filter, op.BatchSize)
		if err != nil {
			logger.WithError(err).Error("Failed to query images")
			final = e.finish(ctx, id, model.RotationFailed, "cannot query images")
			return
		}
		if len(batch) == 0 {
			final = e.finish(ctx, id, model.RotationCompleted, "")
			return
		}

		release := e.holdLease(ctx, id, logger)
		res := e.processBatch(ctx, op, batch, conflicts)
		release()
		for _, f := range res.failures {
			failed[f.ImageID] = struct{}{}
		}

		remaining, countErr := e.store.CountImages(ctx, filter)
		op, err = e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
			if err := e.extendLease(op, time.Now().UTC()); err != nil {
				return err
			}
			op.ProcessedImages += int64(res.succeeded)
			op.FailedImages += int64(len(res.failures))
			done := op.ProcessedImages + op.FailedImages
			if countErr == nil && done+remaining > op.TotalImages {
				op.TotalImages = done + remaining
			}
			if done > op.TotalImages {
				op.TotalImages = done
			}
			op.UpdatedAt = time.Now().UTC()
			return nil
		})
		if errors.Is(err, errLeaseLost) {
			logger.Warn("Rotation taken over by another engine, dropping batch progress")
			return
		}
		if err != nil {
			logger.WithError(err).Error("Failed to persist rotation progress")
			final = e.finish(ctx, id, model.RotationFailed, "cannot persist progress")
			return
		}
		e.broker.Publish(ProgressOf(op))

		logger.WithFields(logrus.Fields{
			"batch":     len(batch),
			"succeeded": res.succeeded,
			"failed":    len(res.failures),
			"processed": op.ProcessedImages,
			"total":     op.TotalImages,
		}).Debug("Rotation batch finished")

		if res.storageOutage {
			final = e.finish(ctx, id, model.RotationFailed, "object storage unavailable")
			return
		}
	}
}

// claim moves the rotation to running under this engine's lease. While
// another owner holds a live lease it waits for the lease to lapse and
// tries again. It returns nil when the rotation is terminal, the store
// fails or the engine is stopping.
func (e *Engine) claim(stopCtx context.Context, id uuid.UUID, logger *logrus.Entry) *model.RotationOperation {
	ctx := context.WithoutCancel(stopCtx)
	for {
		var heldBy string
		var heldUntil time.Time
		op, err := e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
			if op.Status.Terminal() {
				return errAlreadyTerminal
			}
			now := time.Now().UTC()
			if op.LeasedToOther(e.owner, now) {
				heldBy, heldUntil = op.Owner, *op.LeaseUntil
				return errLeaseHeld
			}
			if op.Status == model.RotationPending {
				op.Status = model.RotationRunning
			}
			op.Owner = e.owner
			lease := now.Add(e.cfg.LeaseDuration)
			op.LeaseUntil = &lease
			op.UpdatedAt = now
			return nil
		})
		switch {
		case err == nil:
			return op
		case errors.Is(err, errAlreadyTerminal):
			return nil
		case errors.Is(err, errLeaseHeld):
			logger.WithFields(logrus.Fields{
				"held_by":     heldBy,
				"lease_until": heldUntil,
			}).Info("Rotation leased by another engine, waiting")
			timer := time.NewTimer(time.Until(heldUntil))
			select {
			case <-stopCtx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		default:
			logger.WithError(err).Error("Failed to claim rotation")
			return nil
		}
	}
}

// extendLease renews this engine's lease on op, or fails with errLeaseLost
// when op names another owner.
func (e *Engine) extendLease(op *model.RotationOperation, now time.Time) error {
	if op.Owner != e.owner {
		return errLeaseLost
	}
	lease := now.Add(e.cfg.LeaseDuration)
	op.LeaseUntil = &lease
	return nil
}

// holdLease renews the lease every third of its duration until the
// returned function is called.
func (e *Engine) holdLease(ctx context.Context, id uuid.UUID, logger *logrus.Entry) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, err := e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
					return e.extendLease(op, time.Now().UTC())
				})
				if err != nil {
					logger.WithError(err).Warn("Failed to renew rotation lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// releaseLease drops this engine's lease so another engine can resume the
// rotation without waiting for it to expire.
func (e *Engine) releaseLease(ctx context.Context, id uuid.UUID, logger *logrus.Entry) {
	_, err := e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
		if op.Owner != e.owner {
			return errLeaseLost
		}
		op.LeaseUntil = nil
		return nil
	})
	if err != nil && !errors.Is(err, errLeaseLost) {
		logger.WithError(err).Warn("Failed to release rotation lease")
	}
}

type batchResult struct {
	succeeded int
	failures  []model.RotationFailure
	// storageOutage is set when every image in the batch failed with a
	// storage error.
	storageOutage bool
}

func (e *Engine) processBatch(ctx context.Context, op *model.RotationOperation, batch []*model.ImageRef, conflicts map[string]int) batchResult {
	ctx, span := e.tracer.Start(ctx, "rotation.batch", trace.WithAttributes(
		attribute.String("rotation.id", op.ID.String()),
		attribute.Int64("rotation.to_key_id", op.ToKeyID),
		attribute.Int("rotation.batch_size", len(batch)),
	))
	start := time.Now()

	var (
		mu          sync.Mutex
		res         batchResult
		storageErrs int
	)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for _, img := range batch {
		img := img
		g.Go(func() error {
			_, moved, err := e.images.MoveImage(ctx, img.ID, op.ToKeyID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && !moved:
				// Moved onto the target by another writer since it was listed.
			case err == nil:
				res.succeeded++
			case (errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound)) && conflicts[img.ID] < maxConflictRetries:
				// Changed or deleted since it was listed. A deleted image is
				// not listed again; a changed one is retried by a later batch.
				conflicts[img.ID]++
			default:
				category := errs.Category(err)
				if category == errs.CategoryStorage {
					storageErrs++
				}
				res.failures = append(res.failures, model.RotationFailure{
					RotationID: op.ID,
					ImageID:    img.ID,
					Reason:     category,
					OccurredAt: time.Now().UTC(),
				})
				e.logger.WithFields(logrus.Fields{
					"rotation_id": op.ID,
					"image_id":    img.ID,
					"error":       category,
				}).Warn("Image rotation failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range res.failures {
		if err := e.store.RecordFailure(ctx, f); err != nil {
			e.logger.WithError(err).WithField("image_id", f.ImageID).Error("Failed to record rotation failure")
		}
	}
	res.storageOutage = storageErrs > 0 && storageErrs == len(batch)

	if e.metrics != nil {
		e.metrics.RecordRotationBatch(time.Since(start), res.succeeded, len(res.failures))
	}
	span.SetAttributes(
		attribute.Int("rotation.batch_succeeded", res.succeeded),
		attribute.Int("rotation.batch_failed", len(res.failures)),
	)
	if res.storageOutage {
		span.SetStatus(codes.Error, errs.CategoryStorage)
	}
	span.End()
	return res
}

// finish moves the rotation to a terminal status, publishes the final
// snapshot and returns the status actually reached.
func (e *Engine) finish(ctx context.Context, id uuid.UUID, status model.RotationStatus, message string) model.RotationStatus {
	op, err := e.store.UpdateRotation(ctx, id, func(op *model.RotationOperation) error {
		if op.Status.Terminal() {
			return errAlreadyTerminal
		}
		if op.Owner != e.owner {
			return errLeaseLost
		}
		now := time.Now().UTC()
		op.Status = status
		op.ErrorMessage = message
		op.CompletedAt = &now
		op.UpdatedAt = now
		op.LeaseUntil = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, errLeaseLost) {
			e.logger.WithField("rotation_id", id).Warn("Rotation taken over by another engine before it finished")
			return ""
		}
		if errors.Is(err, errAlreadyTerminal) {
			if current, getErr := e.store.GetRotation(ctx, id); getErr == nil {
				e.broker.Publish(ProgressOf(current))
				return current.Status
			}
			return ""
		}
		e.logger.WithError(err).WithField("rotation_id", id).Error("Failed to finish rotation")
		return ""
	}

	event := audit.EventTypeRotationFinish
	var auditErr error
	if status == model.RotationFailed {
		auditErr = errors.New(message)
	}
	e.audit.LogRotationEvent(event, SystemActor, op, auditErr)

	entry := e.logger.WithFields(logrus.Fields{
		"rotation_id":      id,
		"status":           status,
		"processed_images": op.ProcessedImages,
		"failed_images":    op.FailedImages,
		"total_images":     op.TotalImages,
	})
	if status == model.RotationFailed {
		entry.WithField("reason", message).Error("Rotation failed")
	} else {
		entry.Info("Rotation finished")
	}

	e.broker.Publish(ProgressOf(op))
	return status
}
