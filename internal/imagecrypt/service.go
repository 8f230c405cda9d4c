// Package imagecrypt encrypts, decrypts and re-encrypts stored images.
//
// Blobs are never overwritten in place. Each write goes to a fresh locator
// and the metadata row is switched over with a revision compare-and-swap,
// so a reader always sees a (locator, key, nonce, tag) tuple that belongs
// together. The superseded blob is deleted best-effort afterwards.
package imagecrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/crypto"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/objectstore"
	"github.com/kenneth/image-keyring/internal/store"
	"github.com/kenneth/image-keyring/internal/tracing"
)

const (
	opEncrypt   = "encrypt"
	opDecrypt   = "decrypt"
	opReEncrypt = "re_encrypt"
)

var imageIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// KeySource hands out key material. *keyring.Manager implements it.
type KeySource interface {
	// ActiveKeyMaterial returns the active key or errs.ErrNoActiveKey.
	ActiveKeyMaterial(ctx context.Context) (*model.EncryptionKey, error)
	// KeyMaterial returns any key with material or errs.ErrKeyNotFound.
	KeyMaterial(ctx context.Context, kid int64) (*model.EncryptionKey, error)
	// ActiveVersion is the active key version, 0 when none.
	ActiveVersion() int
}

// EncryptionResult is the output of Encrypt.
type EncryptionResult struct {
	EncryptedData        []byte
	InitializationVector []byte
	AuthenticationTag    []byte
	EncryptionKeyID      int64
	Algorithm            string
}

// Options configures a Service.
type Options struct {
	// MaxImageBytes caps plaintext read from callers; 0 disables the cap.
	MaxImageBytes int64
	// KeyPrefix is prepended to image ids to form storage keys.
	KeyPrefix string
	Audit     audit.Logger
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Service implements image encryption on top of a key source, the image
// metadata store and object storage.
type Service struct {
	keys     KeySource
	images   store.ImageStore
	objects  objectstore.Store
	maxBytes int64
	prefix   string
	audit    audit.Logger
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	tracer   trace.Tracer
}

// NewService creates an image encryption service.
func NewService(keys KeySource, images store.ImageStore, objects objectstore.Store, opts Options) *Service {
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	prefix := strings.Trim(opts.KeyPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Service{
		keys:     keys,
		images:   images,
		objects:  objects,
		maxBytes: opts.MaxImageBytes,
		prefix:   prefix,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		tracer:   tracing.Tracer(),
	}
}

// Encrypt reads all of r and encrypts it under the active key. The
// plaintext buffer is scrubbed before returning.
func (s *Service) Encrypt(ctx context.Context, r io.Reader) (*EncryptionResult, error) {
	pt, err := s.readAll(r)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pt)

	key, err := s.keys.ActiveKeyMaterial(ctx)
	if err != nil {
		s.recordError(opEncrypt, err)
		return nil, err
	}
	return s.encryptWith(key, pt)
}

func (s *Service) encryptWith(key *model.EncryptionKey, pt []byte) (*EncryptionResult, error) {
	defer crypto.Zero(key.Material)

	start := time.Now()
	ct, nonce, tag, err := crypto.Encrypt(key.Algorithm, key.Material, pt)
	if err != nil {
		s.recordError(opEncrypt, err)
		return nil, fmt.Errorf("failed to encrypt with key %d: %w", key.ID, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation(opEncrypt, time.Since(start), int64(len(pt)))
	}
	return &EncryptionResult{
		EncryptedData:        ct,
		InitializationVector: nonce,
		AuthenticationTag:    tag,
		EncryptionKeyID:      key.ID,
		Algorithm:            key.Algorithm,
	}, nil
}

// Decrypt authenticates and decrypts ciphertext under kid, whatever the
// key's status.
func (s *Service) Decrypt(ctx context.Context, ciphertext []byte, kid int64, iv, tag []byte) (io.Reader, error) {
	pt, err := s.decryptBytes(ctx, ciphertext, kid, iv, tag)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(pt), nil
}

func (s *Service) decryptBytes(ctx context.Context, ciphertext []byte, kid int64, iv, tag []byte) ([]byte, error) {
	key, err := s.keys.KeyMaterial(ctx, kid)
	if err != nil {
		if errors.Is(err, errs.ErrKeyNotFound) {
			s.logger.WithField("key_id", kid).Error("Decryption key unavailable")
		}
		s.recordError(opDecrypt, err)
		return nil, err
	}
	defer crypto.Zero(key.Material)

	start := time.Now()
	pt, err := crypto.Decrypt(key.Algorithm, key.Material, ciphertext, iv, tag)
	if err != nil {
		s.recordError(opDecrypt, err)
		return nil, fmt.Errorf("failed to decrypt with key %d: %w", kid, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation(opDecrypt, time.Since(start), int64(len(pt)))
		if active := s.keys.ActiveVersion(); active != 0 && key.Version != active {
			s.metrics.RecordRotatedRead(key.Version, active)
		}
	}
	return pt, nil
}

// StoreImage encrypts r under the active key and stores it as a new image.
// It never stores plaintext: without an active key it fails with
// errs.ErrNoActiveKey.
func (s *Service) StoreImage(ctx context.Context, id, contentType string, r io.Reader) (img *model.ImageRef, err error) {
	ctx, span := s.startSpan(ctx, "imagecrypt.StoreImage", id)
	start := time.Now()
	defer func() {
		var kid int64
		if img != nil {
			kid = img.EncryptionKeyID
		}
		s.finishSpan(span, err)
		s.audit.LogImageOperation(audit.EventTypeEncrypt, id, kid, "", err, time.Since(start))
	}()

	if err := validateImageID(id); err != nil {
		return nil, err
	}
	pt, err := s.readAll(r)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pt)
	size := int64(len(pt))

	key, err := s.keys.ActiveKeyMaterial(ctx)
	if err != nil {
		s.recordError(opEncrypt, err)
		return nil, err
	}
	res, err := s.encryptWith(key, pt)
	if err != nil {
		return nil, err
	}

	storageKey := s.prefix + id
	ref := &model.ImageRef{
		ID:              id,
		StorageKey:      storageKey,
		Locator:         model.LocatorForRevision(storageKey, 0, newToken()),
		ContentType:     contentType,
		SizeBytes:       size,
		IsEncrypted:     true,
		EncryptionKeyID: res.EncryptionKeyID,
		IV:              res.InitializationVector,
		AuthTag:         res.AuthenticationTag,
		CreatedAt:       time.Now().UTC(),
	}
	ref.UpdatedAt = ref.CreatedAt
	if err := s.create(ctx, ref, res.EncryptedData); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"image_id": id,
		"key_id":   ref.EncryptionKeyID,
		"size":     size,
	}).Debug("Image stored")
	return ref.Clone(), nil
}

// ImportImage stores r unencrypted. It exists for migrating legacy images,
// which EncryptExistingImage then encrypts in place.
func (s *Service) ImportImage(ctx context.Context, id, contentType string, r io.Reader) (*model.ImageRef, error) {
	if err := validateImageID(id); err != nil {
		return nil, err
	}
	data, err := s.readAll(r)
	if err != nil {
		return nil, err
	}
	storageKey := s.prefix + id
	now := time.Now().UTC()
	ref := &model.ImageRef{
		ID:          id,
		StorageKey:  storageKey,
		Locator:     model.LocatorForRevision(storageKey, 0, newToken()),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.create(ctx, ref, data); err != nil {
		return nil, err
	}
	s.logger.WithField("image_id", id).Warn("Image imported without encryption")
	return ref.Clone(), nil
}

func (s *Service) create(ctx context.Context, ref *model.ImageRef, blob []byte) error {
	if err := s.writeBlob(ctx, ref.Locator, blob); err != nil {
		return err
	}
	if err := s.images.CreateImage(ctx, ref); err != nil {
		s.deleteBlob(ctx, ref.Locator)
		return fmt.Errorf("failed to create image %s: %w", ref.ID, err)
	}
	return nil
}

// OpenImage returns the decrypted content of an image. If a concurrent
// rotation swaps the blob between the metadata read and the blob read, the
// lookup is retried once.
func (s *Service) OpenImage(ctx context.Context, id string) (r io.Reader, img *model.ImageRef, err error) {
	ctx, span := s.startSpan(ctx, "imagecrypt.OpenImage", id)
	start := time.Now()
	defer func() {
		s.finishSpan(span, err)
		if img != nil && img.IsEncrypted {
			s.audit.LogImageOperation(audit.EventTypeDecrypt, id, img.EncryptionKeyID, "", err, time.Since(start))
		}
	}()

	pt, img, err := s.open(ctx, id)
	if err != nil {
		return nil, img, err
	}
	return bytes.NewReader(pt), img, nil
}

func (s *Service) open(ctx context.Context, id string) ([]byte, *model.ImageRef, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		img, err := s.images.GetImage(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		data, err := s.readBlob(ctx, img.Locator)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				lastErr = err
				continue
			}
			return nil, img, err
		}
		if !img.IsEncrypted {
			return data, img, nil
		}
		pt, err := s.decryptBytes(ctx, data, img.EncryptionKeyID, img.IV, img.AuthTag)
		if err != nil {
			return nil, img, fmt.Errorf("image %s: %w", id, err)
		}
		return pt, img, nil
	}
	return nil, nil, errs.Storage(fmt.Errorf("image %s blob missing: %v", id, lastErr))
}

// VerifyImage decrypts an image and discards the plaintext, checking that
// the metadata and the blob still agree.
func (s *Service) VerifyImage(ctx context.Context, id string) (*model.ImageRef, error) {
	ctx, span := s.startSpan(ctx, "imagecrypt.VerifyImage", id)
	pt, img, err := s.open(ctx, id)
	s.finishSpan(span, err)
	crypto.Zero(pt)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"image_id": id,
			"error":    errs.Category(err),
		}).Warn("Image verification failed")
		return img, err
	}
	return img, nil
}

// GetImage returns the metadata row of an image.
func (s *Service) GetImage(ctx context.Context, id string) (*model.ImageRef, error) {
	return s.images.GetImage(ctx, id)
}

// EncryptExistingImage encrypts an unencrypted image under kid, which may be
// any key that still has material and is not deprecated.
func (s *Service) EncryptExistingImage(ctx context.Context, imageID string, kid int64) (updated *model.ImageRef, err error) {
	ctx, span := s.startSpan(ctx, "imagecrypt.EncryptExistingImage", imageID)
	span.SetAttributes(attribute.Int64("key.id", kid))
	start := time.Now()
	defer func() {
		s.finishSpan(span, err)
		s.audit.LogImageOperation(audit.EventTypeEncrypt, imageID, kid, "", err, time.Since(start))
	}()

	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.IsEncrypted {
		return nil, fmt.Errorf("image %s is already encrypted: %w", imageID, errs.ErrConflict)
	}
	key, err := s.usableKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	pt, err := s.readCurrentBlob(ctx, img)
	if err != nil {
		crypto.Zero(key.Material)
		return nil, err
	}
	defer crypto.Zero(pt)

	res, err := s.encryptWith(key, pt)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, img, res)
}

// ReEncryptImage moves an encrypted image onto newKid. An image already
// under newKid is returned unchanged.
func (s *Service) ReEncryptImage(ctx context.Context, imageID string, newKid int64) (*model.ImageRef, error) {
	img, _, err := s.MoveImage(ctx, imageID, newKid)
	return img, err
}

// MoveImage is ReEncryptImage that also reports whether this call rewrote
// the image. moved is false when the image was already under newKid.
func (s *Service) MoveImage(ctx context.Context, imageID string, newKid int64) (updated *model.ImageRef, moved bool, err error) {
	ctx, span := s.startSpan(ctx, "imagecrypt.ReEncryptImage", imageID)
	span.SetAttributes(attribute.Int64("key.id", newKid))
	start := time.Now()
	defer func() {
		s.finishSpan(span, err)
		s.audit.LogImageOperation(audit.EventTypeReEncrypt, imageID, newKid, "", err, time.Since(start))
	}()

	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	if !img.IsEncrypted {
		return nil, false, fmt.Errorf("image %s is not encrypted: %w", imageID, errs.ErrConflict)
	}
	if img.EncryptionKeyID == newKid {
		return img, false, nil
	}

	key, err := s.usableKey(ctx, newKid)
	if err != nil {
		return nil, false, err
	}

	ct, err := s.readCurrentBlob(ctx, img)
	if err != nil {
		crypto.Zero(key.Material)
		return nil, false, err
	}
	pt, err := s.decryptBytes(ctx, ct, img.EncryptionKeyID, img.IV, img.AuthTag)
	if err != nil {
		crypto.Zero(key.Material)
		return nil, false, fmt.Errorf("image %s: %w", imageID, err)
	}
	defer crypto.Zero(pt)

	res, err := s.encryptWith(key, pt)
	if err != nil {
		return nil, false, err
	}
	updated, err = s.commit(ctx, img, res)
	if err != nil {
		return nil, false, err
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation(opReEncrypt, time.Since(start), int64(len(pt)))
	}
	return updated, true, nil
}

// usableKey loads kid for encryption: it must have material and must not be
// deprecated.
func (s *Service) usableKey(ctx context.Context, kid int64) (*model.EncryptionKey, error) {
	key, err := s.keys.KeyMaterial(ctx, kid)
	if err != nil {
		if errors.Is(err, errs.ErrKeyNotFound) {
			return nil, fmt.Errorf("target key %d: %w", kid, errs.ErrNotFound)
		}
		return nil, err
	}
	if key.Status == model.KeyStatusDeprecated {
		crypto.Zero(key.Material)
		return nil, fmt.Errorf("key %d is deprecated: %w", kid, errs.ErrConflict)
	}
	return key, nil
}

// commit writes the new ciphertext to a fresh locator and swaps the
// metadata if the image revision is unchanged. On a lost race the new blob
// is removed and errs.ErrConflict returned.
func (s *Service) commit(ctx context.Context, img *model.ImageRef, res *EncryptionResult) (*model.ImageRef, error) {
	locator := model.LocatorForRevision(img.StorageKey, img.Revision+1, newToken())
	if err := s.writeBlob(ctx, locator, res.EncryptedData); err != nil {
		return nil, err
	}

	updated, err := s.images.UpdateEncryption(ctx, img.ID, img.Revision, model.EncryptionState{
		Locator:         locator,
		IsEncrypted:     true,
		EncryptionKeyID: res.EncryptionKeyID,
		IV:              res.InitializationVector,
		AuthTag:         res.AuthenticationTag,
	})
	if err != nil {
		s.deleteBlob(context.WithoutCancel(ctx), locator)
		return nil, fmt.Errorf("failed to commit image %s: %w", img.ID, err)
	}

	if img.Locator != updated.Locator {
		s.deleteBlob(context.WithoutCancel(ctx), img.Locator)
	}
	return updated, nil
}

func (s *Service) readAll(r io.Reader) ([]byte, error) {
	if s.maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		crypto.Zero(data)
		return nil, fmt.Errorf("image exceeds %d bytes: %w", s.maxBytes, errs.ErrInvalidArgument)
	}
	return data, nil
}

// readCurrentBlob reads the blob of img. A missing blob means either a
// concurrent writer moved the image (errs.ErrConflict) or the object store
// lost it (storage failure).
func (s *Service) readCurrentBlob(ctx context.Context, img *model.ImageRef) ([]byte, error) {
	data, err := s.readBlob(ctx, img.Locator)
	if err == nil || !errors.Is(err, errs.ErrNotFound) {
		return data, err
	}
	cur, getErr := s.images.GetImage(ctx, img.ID)
	if getErr != nil {
		return nil, getErr
	}
	if cur.Revision != img.Revision {
		return nil, fmt.Errorf("image %s changed while reading: %w", img.ID, errs.ErrConflict)
	}
	return nil, errs.Storage(fmt.Errorf("image %s blob %s missing", img.ID, img.Locator))
}

func (s *Service) readBlob(ctx context.Context, locator string) ([]byte, error) {
	start := time.Now()
	data, err := s.objects.Read(ctx, locator)
	s.recordStorage("read", start, err)
	return data, err
}

func (s *Service) writeBlob(ctx context.Context, locator string, data []byte) error {
	start := time.Now()
	err := s.objects.Write(ctx, locator, data)
	s.recordStorage("write", start, err)
	return err
}

// deleteBlob removes a blob best-effort; failures leave an orphan behind.
func (s *Service) deleteBlob(ctx context.Context, locator string) {
	start := time.Now()
	err := s.objects.Delete(ctx, locator)
	s.recordStorage("delete", start, err)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"locator": locator,
			"error":   errs.Category(err),
		}).Warn("Failed to delete superseded blob")
	}
}

func (s *Service) recordStorage(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStorageOperation(op, time.Since(start))
	if err != nil {
		s.metrics.RecordStorageError(op, errs.Category(err))
	}
}

func (s *Service) recordError(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordEncryptionError(op, errs.Category(err))
	}
}

func (s *Service) startSpan(ctx context.Context, name, imageID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("image.id", imageID)))
}

func (s *Service) finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Category(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func validateImageID(id string) error {
	if !imageIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid image id %q: %w", id, errs.ErrInvalidArgument)
	}
	return nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
