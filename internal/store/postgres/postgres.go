// Package postgres is the PostgreSQL metadata store, using pgx through
// database/sql.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/store"
)

//go:embed schema.sql
var schema string

// keyringLockID is the advisory lock serialising key transactions.
const keyringLockID = 0x6b657972696e67

const pgUniqueViolation = "23505"

// Store implements store.Store on a *sql.DB opened with the pgx driver.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to url and applies the schema.
func Open(ctx context.Context, url string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.Info("Connected to postgres metadata store")
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wrap maps driver errors onto error kinds.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", errs.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, errs.ErrConflict)
	}
	return errs.Storage(err)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Warn("Failed to roll back transaction")
		}
		return err
	}
	return wrap(tx.Commit())
}

const keyColumns = `id, version, status, algorithm, material, description, created_by,
	created_at, activated_at, retired_at, deprecated_at, purged_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*model.EncryptionKey, error) {
	var k model.EncryptionKey
	err := row.Scan(&k.ID, &k.Version, &k.Status, &k.Algorithm, &k.Material, &k.Description, &k.CreatedBy,
		&k.CreatedAt, &k.ActivatedAt, &k.RetiredAt, &k.DeprecatedAt, &k.PurgedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func getKey(ctx context.Context, q querier, id int64, forUpdate bool) (*model.EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	k, err := scanKey(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %d: %w", id, errs.ErrNotFound)
	}
	return k, wrap(err)
}

func getActiveKey(ctx context.Context, q querier, forUpdate bool) (*model.EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE status = 'active'`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	k, err := scanKey(q.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, wrap(err)
}

type keyTx struct {
	tx *sql.Tx
}

func (t *keyTx) GetKey(ctx context.Context, id int64) (*model.EncryptionKey, error) {
	return getKey(ctx, t.tx, id, true)
}

func (t *keyTx) ActiveKey(ctx context.Context) (*model.EncryptionKey, error) {
	return getActiveKey(ctx, t.tx, true)
}

func (t *keyTx) MaxVersion(ctx context.Context) (int, error) {
	var v int
	err := t.tx.QueryRowContext(ctx, `SELECT max_version FROM keyring_state WHERE singleton`).Scan(&v)
	return v, wrap(err)
}

func (t *keyTx) InsertKey(ctx context.Context, k *model.EncryptionKey) error {
	max, err := t.MaxVersion(ctx)
	if err != nil {
		return err
	}
	if k.Version <= max {
		return fmt.Errorf("version %d already used: %w", k.Version, errs.ErrConflict)
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO encryption_keys (version, status, algorithm, material, description, created_by,
			created_at, activated_at, retired_at, deprecated_at, purged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		k.Version, k.Status, k.Algorithm, k.Material, k.Description, k.CreatedBy,
		k.CreatedAt, k.ActivatedAt, k.RetiredAt, k.DeprecatedAt, k.PurgedAt,
	).Scan(&k.ID)
	if err != nil {
		return wrap(err)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE keyring_state SET max_version = $1 WHERE singleton`, k.Version)
	return wrap(err)
}

func (t *keyTx) UpdateKey(ctx context.Context, k *model.EncryptionKey) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE encryption_keys
		SET status = $2, algorithm = $3, material = $4, description = $5,
			activated_at = $6, retired_at = $7, deprecated_at = $8, purged_at = $9
		WHERE id = $1`,
		k.ID, k.Status, k.Algorithm, k.Material, k.Description,
		k.ActivatedAt, k.RetiredAt, k.DeprecatedAt, k.PurgedAt)
	if err != nil {
		return wrap(err)
	}
	return requireRow(res, fmt.Sprintf("key %d", k.ID))
}

func (t *keyTx) DeleteKey(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM encryption_keys WHERE id = $1`, id)
	if err != nil {
		return wrap(err)
	}
	return requireRow(res, fmt.Sprintf("key %d", id))
}

func (t *keyTx) KeyUsage(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM images WHERE is_encrypted AND encryption_key_id = $1`, id).Scan(&n)
	return n, wrap(err)
}

func (t *keyTx) KeyInOpenRotation(ctx context.Context, id int64) (bool, error) {
	var open bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rotation_operations
			WHERE status IN ('pending', 'running') AND (to_key_id = $1 OR from_key_id = $1))`, id).Scan(&open)
	return open, wrap(err)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return nil
}

// UpdateKeys takes a transaction-scoped advisory lock so key transactions
// run one at a time; the partial unique index on active status backs it up.
func (s *Store) UpdateKeys(ctx context.Context, fn func(tx store.KeyTx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, keyringLockID); err != nil {
			return wrap(err)
		}
		return fn(&keyTx{tx: tx})
	})
}

func (s *Store) GetKey(ctx context.Context, id int64) (*model.EncryptionKey, error) {
	return getKey(ctx, s.db, id, false)
}

func (s *Store) ListKeys(ctx context.Context) ([]*model.EncryptionKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM encryption_keys ORDER BY version`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var keys []*model.EncryptionKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, wrap(err)
		}
		keys = append(keys, k)
	}
	return keys, wrap(rows.Err())
}

func (s *Store) GetActiveKey(ctx context.Context) (*model.EncryptionKey, error) {
	return getActiveKey(ctx, s.db, false)
}

const imageColumns = `id, storage_key, locator, content_type, size_bytes, is_encrypted,
	encryption_key_id, iv, auth_tag, revision, created_at, updated_at`

func scanImage(row rowScanner) (*model.ImageRef, error) {
	var img model.ImageRef
	err := row.Scan(&img.ID, &img.StorageKey, &img.Locator, &img.ContentType, &img.SizeBytes, &img.IsEncrypted,
		&img.EncryptionKeyID, &img.IV, &img.AuthTag, &img.Revision, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*model.ImageRef, error) {
	return getImage(ctx, s.db, id)
}

func getImage(ctx context.Context, q querier, id string) (*model.ImageRef, error) {
	img, err := scanImage(q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, errs.ErrNotFound)
	}
	return img, wrap(err)
}

func (s *Store) CreateImage(ctx context.Context, img *model.ImageRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		img.ID, img.StorageKey, img.Locator, img.ContentType, img.SizeBytes, img.IsEncrypted,
		img.EncryptionKeyID, img.IV, img.AuthTag, img.Revision, img.CreatedAt, img.UpdatedAt)
	return wrap(err)
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return wrap(err)
	}
	return requireRow(res, "image "+id)
}

// UpdateEncryption is a conditional UPDATE; a miss is disambiguated into
// not-found or conflict afterwards. An encrypted state first takes a share
// lock on its key row, which waits out a delete or purge holding it FOR UPDATE.
func (s *Store) UpdateEncryption(ctx context.Context, id string, expectedRevision int64, state model.EncryptionState) (*model.ImageRef, error) {
	var img *model.ImageRef
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if state.IsEncrypted {
			var hasMaterial bool
			err := tx.QueryRowContext(ctx, `
				SELECT material IS NOT NULL FROM encryption_keys WHERE id = $1 FOR SHARE`,
				state.EncryptionKeyID).Scan(&hasMaterial)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && !hasMaterial) {
				return fmt.Errorf("key %d: %w", state.EncryptionKeyID, errs.ErrKeyNotFound)
			}
			if err != nil {
				return wrap(err)
			}
		}
		var err error
		img, err = scanImage(tx.QueryRowContext(ctx, `
			UPDATE images
			SET locator = $3, is_encrypted = $4, encryption_key_id = $5, iv = $6, auth_tag = $7,
				revision = revision + 1, updated_at = $8
			WHERE id = $1 AND revision = $2
			RETURNING `+imageColumns,
			id, expectedRevision, state.Locator, state.IsEncrypted, state.EncryptionKeyID,
			state.IV, state.AuthTag, time.Now().UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := getImage(ctx, tx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("image %s revision moved past %d: %w", id, expectedRevision, errs.ErrConflict)
		}
		return wrap(err)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func filterClause(f model.ImageFilter) (string, []any) {
	conds := []string{"is_encrypted"}
	var args []any
	if f.KeyID != nil {
		args = append(args, *f.KeyID)
		conds = append(conds, fmt.Sprintf("encryption_key_id = $%d", len(args)))
	} else {
		args = append(args, f.ExcludeKeyID)
		conds = append(conds, fmt.Sprintf("encryption_key_id <> $%d", len(args)))
	}
	if len(f.ExcludeIDs) > 0 {
		ids := make([]string, 0, len(f.ExcludeIDs))
		for id := range f.ExcludeIDs {
			ids = append(ids, id)
		}
		args = append(args, ids)
		conds = append(conds, fmt.Sprintf("NOT (id = ANY($%d))", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func (s *Store) CountImages(ctx context.Context, filter model.ImageFilter) (int64, error) {
	where, args := filterClause(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM images WHERE `+where, args...).Scan(&n)
	return n, wrap(err)
}

func (s *Store) ListImages(ctx context.Context, filter model.ImageFilter, limit int) ([]*model.ImageRef, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + imageColumns + ` FROM images WHERE ` + where + ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []*model.ImageRef
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, img)
	}
	return out, wrap(rows.Err())
}

func (s *Store) KeyUsage(ctx context.Context, keyID int64) (int64, int64, error) {
	var count, total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(size_bytes), 0)
		FROM images WHERE is_encrypted AND encryption_key_id = $1`, keyID).Scan(&count, &total)
	return count, total, wrap(err)
}

const rotationColumns = `id, from_key_id, to_key_id, status, batch_size, total_images, processed_images,
	failed_images, started_at, completed_at, updated_at, error_message, initiated_by, cancel_requested, cancelled_by,
	owner, lease_until`

func scanRotation(row rowScanner) (*model.RotationOperation, error) {
	var op model.RotationOperation
	err := row.Scan(&op.ID, &op.FromKeyID, &op.ToKeyID, &op.Status, &op.BatchSize, &op.TotalImages, &op.ProcessedImages,
		&op.FailedImages, &op.StartedAt, &op.CompletedAt, &op.UpdatedAt, &op.ErrorMessage, &op.InitiatedBy,
		&op.CancelRequested, &op.CancelledBy, &op.Owner, &op.LeaseUntil)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) CreateRotation(ctx context.Context, op *model.RotationOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rotation_operations (`+rotationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		op.ID, op.FromKeyID, op.ToKeyID, op.Status, op.BatchSize, op.TotalImages, op.ProcessedImages,
		op.FailedImages, op.StartedAt, op.CompletedAt, op.UpdatedAt, op.ErrorMessage, op.InitiatedBy,
		op.CancelRequested, op.CancelledBy, op.Owner, op.LeaseUntil)
	return wrap(err)
}

func (s *Store) GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error) {
	return getRotation(ctx, s.db, id, false)
}

func getRotation(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*model.RotationOperation, error) {
	query := `SELECT ` + rotationColumns + ` FROM rotation_operations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	op, err := scanRotation(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rotation %s: %w", id, errs.ErrNotFound)
	}
	return op, wrap(err)
}

func (s *Store) queryRotations(ctx context.Context, query string, args ...any) ([]*model.RotationOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []*model.RotationOperation
	for rows.Next() {
		op, err := scanRotation(rows)
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, op)
	}
	return out, wrap(rows.Err())
}

func (s *Store) ListRotations(ctx context.Context) ([]*model.RotationOperation, error) {
	return s.queryRotations(ctx, `SELECT `+rotationColumns+` FROM rotation_operations ORDER BY started_at DESC`)
}

func (s *Store) ListUnfinished(ctx context.Context) ([]*model.RotationOperation, error) {
	return s.queryRotations(ctx, `
		SELECT `+rotationColumns+` FROM rotation_operations
		WHERE status IN ('pending', 'running') ORDER BY started_at`)
}

func (s *Store) UpdateRotation(ctx context.Context, id uuid.UUID, fn func(op *model.RotationOperation) error) (*model.RotationOperation, error) {
	var updated *model.RotationOperation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		op, err := getRotation(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rotation_operations
			SET status = $2, batch_size = $3, total_images = $4, processed_images = $5, failed_images = $6,
				completed_at = $7, updated_at = $8, error_message = $9, cancel_requested = $10, cancelled_by = $11,
				owner = $12, lease_until = $13
			WHERE id = $1`,
			op.ID, op.Status, op.BatchSize, op.TotalImages, op.ProcessedImages, op.FailedImages,
			op.CompletedAt, op.UpdatedAt, op.ErrorMessage, op.CancelRequested, op.CancelledBy,
			op.Owner, op.LeaseUntil)
		if err != nil {
			return wrap(err)
		}
		updated = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) RecordFailure(ctx context.Context, f model.RotationFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rotation_failures (rotation_id, image_id, reason, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rotation_id, image_id) DO UPDATE SET reason = EXCLUDED.reason, occurred_at = EXCLUDED.occurred_at`,
		f.RotationID, f.ImageID, f.Reason, f.OccurredAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("rotation %s: %w", f.RotationID, errs.ErrNotFound)
	}
	return wrap(err)
}

func (s *Store) ListFailures(ctx context.Context, id uuid.UUID) ([]model.RotationFailure, error) {
	if _, err := s.GetRotation(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rotation_id, image_id, reason, occurred_at
		FROM rotation_failures WHERE rotation_id = $1 ORDER BY occurred_at, image_id`, id)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []model.RotationFailure
	for rows.Next() {
		var f model.RotationFailure
		if err := rows.Scan(&f.RotationID, &f.ImageID, &f.Reason, &f.OccurredAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, f)
	}
	return out, wrap(rows.Err())
}

// reset empties every table. Used by tests sharing one database.
func (s *Store) reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE rotation_failures, rotation_operations, images, encryption_keys RESTART IDENTITY;
		UPDATE keyring_state SET max_version = 0`)
	return wrap(err)
}
