package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"locker-go/internal/locker"
	"locker-go/internal/model"
)

// Queries implements locker.Queries on a connection pool or a transaction.
// SQL is written with ? placeholders and rebound for the driver.
type Queries struct {
	db sqlx.ExtContext
}

const entryColumns = `id, owner_id, parent_id, name, is_folder, mime_type, size, content_hash, deleted_at, created_at, updated_at`

const entryColumnsF = `f.id, f.owner_id, f.parent_id, f.name, f.is_folder, f.mime_type, f.size, f.content_hash, f.deleted_at, f.created_at, f.updated_at`

const blobColumns = `content_hash, byte_size, stored_size, encrypted, reference_count, storage_key, created_at`

const shareColumns = `id, file_id, permission, grantee_user_id, grantee_email, is_public, share_token, password_hash, created_by, created_at, expires_at`

// maxTreeDepth stops recursive queries on a corrupted (cyclic) tree.
const maxTreeDepth = 4096

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.db, dest, q.db.Rebind(query), args...)
}

func (q *Queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.db, dest, q.db.Rebind(query), args...)
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.db.Rebind(query), args...)
}

// execIn expands a single slice argument into an IN list. An empty slice is a no-op.
func (q *Queries) execIn(ctx context.Context, query string, args ...any) error {
	expanded, params, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, expanded, params...)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// File entries

func (q *Queries) GetEntry(ctx context.Context, id string) (*model.FileEntry, error) {
	var e model.FileEntry
	err := q.get(ctx, &e, `SELECT `+entryColumns+` FROM files WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	return &e, nil
}

func (q *Queries) InsertEntry(ctx context.Context, e *model.FileEntry) error {
	_, err := q.exec(ctx, `
		INSERT INTO files (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.ParentID, e.Name, e.IsFolder, e.MimeType, e.Size,
		e.ContentHash, e.DeletedAt, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return nameConflict("inserting entry", err)
	}
	return nil
}

func (q *Queries) FindLiveChild(ctx context.Context, ownerID string, parentID sql.NullString, name string) (*model.FileEntry, error) {
	var e model.FileEntry
	err := q.get(ctx, &e, `
		SELECT `+entryColumns+` FROM files
		WHERE owner_id = ? AND COALESCE(parent_id, '') = ? AND name = ? AND deleted_at IS NULL`,
		ownerID, parentID.String, name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("finding child: %w", err)
	}
	return &e, nil
}

func (q *Queries) ListChildren(ctx context.Context, p locker.ListChildrenParams) ([]*model.FileEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM files
		WHERE owner_id = ? AND COALESCE(parent_id, '') = ? AND deleted_at IS NULL`
	args := []any{p.OwnerID, p.ParentID.String}

	switch p.Order {
	case locker.OrderByCreated:
		if p.AfterID != "" {
			query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
			args = append(args, p.AfterCreated.UTC(), p.AfterCreated.UTC(), p.AfterID)
		}
		query += ` ORDER BY created_at, id`
	default:
		if p.AfterID != "" {
			query += ` AND (name > ? OR (name = ? AND id > ?))`
			args = append(args, p.AfterName, p.AfterName, p.AfterID)
		}
		query += ` ORDER BY name, id`
	}
	query += ` LIMIT ?`
	args = append(args, p.Limit)

	var entries []*model.FileEntry
	if err := q.selectAll(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	return entries, nil
}

func (q *Queries) GetAncestors(ctx context.Context, id string) ([]*model.FileEntry, error) {
	var entries []*model.FileEntry
	err := q.selectAll(ctx, &entries, `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM files WHERE id = ?
			UNION ALL
			SELECT p.id, p.parent_id, c.depth + 1
			FROM files p JOIN chain c ON p.id = c.parent_id
			WHERE c.depth < ?
		)
		SELECT `+entryColumnsF+` FROM files f JOIN chain c ON f.id = c.id
		ORDER BY c.depth`,
		id, maxTreeDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("getting ancestors: %w", err)
	}
	return entries, nil
}

func (q *Queries) GetSubtree(ctx context.Context, id string) ([]*model.FileEntry, error) {
	var entries []*model.FileEntry
	err := q.selectAll(ctx, &entries, `
		WITH RECURSIVE subtree(id, depth) AS (
			SELECT id, 0 FROM files WHERE id = ?
			UNION ALL
			SELECT c.id, s.depth + 1
			FROM files c JOIN subtree s ON c.parent_id = s.id
			WHERE s.depth < ?
		)
		SELECT `+entryColumnsF+` FROM files f JOIN subtree s ON f.id = s.id
		ORDER BY s.depth, f.id`,
		id, maxTreeDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("getting subtree: %w", err)
	}
	return entries, nil
}

func (q *Queries) UpdateEntryLocation(ctx context.Context, id string, parentID sql.NullString, name string, updatedAt time.Time) error {
	_, err := q.exec(ctx, `UPDATE files SET parent_id = ?, name = ?, updated_at = ? WHERE id = ?`,
		parentID, name, updatedAt.UTC(), id)
	if err != nil {
		return nameConflict("updating entry", err)
	}
	return nil
}

func (q *Queries) MarkDeleted(ctx context.Context, ids []string, deletedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	t := deletedAt.UTC()
	if err := q.execIn(ctx, `UPDATE files SET deleted_at = ?, updated_at = ? WHERE id IN (?)`, t, t, ids); err != nil {
		return fmt.Errorf("marking deleted: %w", err)
	}
	return nil
}

func (q *Queries) ClearDeleted(ctx context.Context, ids []string, updatedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.execIn(ctx, `UPDATE files SET deleted_at = NULL, updated_at = ? WHERE id IN (?)`, updatedAt.UTC(), ids)
	if err != nil {
		return nameConflict("clearing deleted", err)
	}
	return nil
}

// DeleteEntries hard-deletes rows. The ids must form whole subtrees; the
// parent foreign key is checked at the end of the statement.
func (q *Queries) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.execIn(ctx, `DELETE FROM files WHERE id IN (?)`, ids); err != nil {
		return fmt.Errorf("deleting entries: %w", err)
	}
	return nil
}

// ListDeletedEntries returns soft-deleted rows owned by ownerID, or by
// anyone when ownerID is empty, oldest deletion first.
func (q *Queries) ListDeletedEntries(ctx context.Context, ownerID string) ([]*model.FileEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM files WHERE deleted_at IS NOT NULL`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY deleted_at, id`

	var entries []*model.FileEntry
	if err := q.selectAll(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing deleted entries: %w", err)
	}
	return entries, nil
}

func (q *Queries) CountEntriesByHash(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Hash  string `db:"content_hash"`
		Count int64  `db:"n"`
	}
	err := q.selectAll(ctx, &rows, `
		SELECT content_hash, COUNT(*) AS n FROM files
		WHERE content_hash IS NOT NULL GROUP BY content_hash`)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Hash] = r.Count
	}
	return counts, nil
}

func (q *Queries) CountEntriesForHash(ctx context.Context, hash string) (int64, error) {
	var n int64
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM files WHERE content_hash = ?`, hash); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// Blobs

func (q *Queries) GetBlob(ctx context.Context, hash string) (*model.Blob, error) {
	var b model.Blob
	err := q.get(ctx, &b, `SELECT `+blobColumns+` FROM blobs WHERE content_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob: %w", err)
	}
	return &b, nil
}

func (q *Queries) AcquireBlobRef(ctx context.Context, b *model.Blob) error {
	_, err := q.exec(ctx, `
		INSERT INTO blobs (`+blobColumns+`)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (content_hash) DO UPDATE SET reference_count = blobs.reference_count + 1`,
		b.ContentHash, b.ByteSize, b.StoredSize, b.Encrypted, b.StorageKey, b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("acquiring blob reference: %w", err)
	}
	return nil
}

func (q *Queries) IncrementBlobRef(ctx context.Context, hash string) error {
	res, err := q.exec(ctx, `UPDATE blobs SET reference_count = reference_count + 1 WHERE content_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("incrementing blob reference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing blob reference: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("blob %s: %w", hash, locker.ErrNotFound)
	}
	return nil
}

// ReleaseBlobRefs clamps at zero; Reconcile repairs any drift that implies.
func (q *Queries) ReleaseBlobRefs(ctx context.Context, hash string, n int64) (int64, error) {
	_, err := q.exec(ctx, `
		UPDATE blobs SET reference_count = CASE WHEN reference_count > ? THEN reference_count - ? ELSE 0 END
		WHERE content_hash = ?`,
		n, n, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing blob references: %w", err)
	}

	var remaining int64
	err = q.get(ctx, &remaining, `SELECT reference_count FROM blobs WHERE content_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // Not found
	}
	if err != nil {
		return 0, fmt.Errorf("reading blob references: %w", err)
	}
	return remaining, nil
}

func (q *Queries) DeleteBlobIfUnreferenced(ctx context.Context, hash string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM blobs WHERE content_hash = ? AND reference_count = 0`, hash)
	if err != nil {
		return false, fmt.Errorf("deleting blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting blob: %w", err)
	}
	return n > 0, nil
}

func (q *Queries) SetBlobRefCount(ctx context.Context, hash string, count int64) error {
	if _, err := q.exec(ctx, `UPDATE blobs SET reference_count = ? WHERE content_hash = ?`, count, hash); err != nil {
		return fmt.Errorf("setting blob reference count: %w", err)
	}
	return nil
}

func (q *Queries) ListBlobs(ctx context.Context) ([]*model.Blob, error) {
	var blobs []*model.Blob
	if err := q.selectAll(ctx, &blobs, `SELECT `+blobColumns+` FROM blobs ORDER BY content_hash`); err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return blobs, nil
}

// Users

func (q *Queries) InsertUser(ctx context.Context, u *model.User) error {
	_, err := q.exec(ctx, `INSERT INTO users (id, email, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Role, u.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %s is already registered", u.Email)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (q *Queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	return q.getUser(ctx, `SELECT id, email, role, created_at FROM users WHERE id = ?`, id)
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return q.getUser(ctx, `SELECT id, email, role, created_at FROM users WHERE LOWER(email) = LOWER(?)`, email)
}

func (q *Queries) getUser(ctx context.Context, query string, arg string) (*model.User, error) {
	var u model.User
	err := q.get(ctx, &u, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

// Shares

func (q *Queries) InsertShare(ctx context.Context, s *model.Share) error {
	_, err := q.exec(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FileID, s.Permission, s.GranteeUserID, s.GranteeEmail, s.IsPublic,
		s.Token, s.PasswordHash, s.CreatedBy, s.CreatedAt.UTC(), s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting share: %w", err)
	}
	return nil
}

func (q *Queries) GetShare(ctx context.Context, id string) (*model.Share, error) {
	return q.getShare(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = ?`, id)
}

func (q *Queries) GetShareByToken(ctx context.Context, token string) (*model.Share, error) {
	return q.getShare(ctx, `SELECT `+shareColumns+` FROM shares WHERE share_token = ?`, token)
}

func (q *Queries) getShare(ctx context.Context, query string, arg string) (*model.Share, error) {
	var s model.Share
	err := q.get(ctx, &s, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("getting share: %w", err)
	}
	return &s, nil
}

func (q *Queries) ListSharesForFiles(ctx context.Context, fileIDs []string) ([]*model.Share, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+shareColumns+` FROM shares WHERE file_id IN (?) ORDER BY created_at, id`, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	var shares []*model.Share
	if err := q.selectAll(ctx, &shares, query, args...); err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	return shares, nil
}

func (q *Queries) DeleteShare(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM shares WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting share: %w", err)
	}
	return nil
}

func (q *Queries) DeleteSharesForFiles(ctx context.Context, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	if err := q.execIn(ctx, `DELETE FROM shares WHERE file_id IN (?)`, fileIDs); err != nil {
		return fmt.Errorf("deleting shares: %w", err)
	}
	return nil
}

// Operations

func (q *Queries) CreateOperation(ctx context.Context, op *model.Operation) (int64, error) {
	status := op.Status
	if status == "" {
		status = "running"
	}
	var id int64
	err := q.get(ctx, &id, `
		INSERT INTO operations (actor, operation, parameters, status, started_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		op.Actor, op.Operation, op.Parameters, status, op.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	op.ID = id
	op.Status = status
	return id, nil
}

func (q *Queries) FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error {
	_, err := q.exec(ctx, `UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, nullTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (q *Queries) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	var ops []*model.Operation
	err := q.selectAll(ctx, &ops, `
		SELECT id, actor, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

var _ locker.Queries = (*Queries)(nil)
