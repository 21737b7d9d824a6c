package locker

import (
	"context"
	"database/sql"
	"time"

	"locker-go/internal/model"
)

// Queries is the set of primitive metadata operations.
// Database implements it directly (each call auto-commits) and hands a
// transaction-bound implementation to the function passed to InTx.
// Lookups return nil, nil when the row does not exist.
type Queries interface {
	// File entries

	GetEntry(ctx context.Context, id string) (*model.FileEntry, error)

	// InsertEntry inserts a new entry. A unique violation on the live sibling
	// name index is reported as ErrNameConflict.
	InsertEntry(ctx context.Context, entry *model.FileEntry) error

	// FindLiveChild returns the non-deleted child of parentID (or of the
	// owner's root when parentID is not valid) with exactly this name.
	FindLiveChild(ctx context.Context, ownerID string, parentID sql.NullString, name string) (*model.FileEntry, error)

	// ListChildren returns one page of non-deleted children in cursor order.
	ListChildren(ctx context.Context, params ListChildrenParams) ([]*model.FileEntry, error)

	// GetAncestors returns the entry followed by its ancestors up to the root.
	// Returns an empty slice if the entry does not exist.
	GetAncestors(ctx context.Context, id string) ([]*model.FileEntry, error)

	// GetSubtree returns the entry and all of its descendants, deleted or not.
	GetSubtree(ctx context.Context, id string) ([]*model.FileEntry, error)

	// UpdateEntryLocation sets parent and name. A unique violation is reported
	// as ErrNameConflict.
	UpdateEntryLocation(ctx context.Context, id string, parentID sql.NullString, name string, updatedAt time.Time) error

	MarkDeleted(ctx context.Context, ids []string, deletedAt time.Time) error
	ClearDeleted(ctx context.Context, ids []string, updatedAt time.Time) error
	DeleteEntries(ctx context.Context, ids []string) error
	// ListDeletedEntries filters by owner unless ownerID is empty.
	ListDeletedEntries(ctx context.Context, ownerID string) ([]*model.FileEntry, error)

	// CountEntriesByHash counts every entry row (deleted or not) per content hash.
	CountEntriesByHash(ctx context.Context) (map[string]int64, error)
	CountEntriesForHash(ctx context.Context, hash string) (int64, error)

	// Blobs

	GetBlob(ctx context.Context, hash string) (*model.Blob, error)

	// AcquireBlobRef inserts the blob with reference_count 1, or increments the
	// count of the existing row, in a single statement.
	AcquireBlobRef(ctx context.Context, blob *model.Blob) error

	// IncrementBlobRef adds one reference to an existing blob.
	// Returns ErrNotFound if there is no row for hash.
	IncrementBlobRef(ctx context.Context, hash string) error

	// ReleaseBlobRefs removes n references and returns the remaining count.
	ReleaseBlobRefs(ctx context.Context, hash string, n int64) (int64, error)

	// DeleteBlobIfUnreferenced removes the row only if its count is zero and
	// reports whether it did.
	DeleteBlobIfUnreferenced(ctx context.Context, hash string) (bool, error)

	SetBlobRefCount(ctx context.Context, hash string, count int64) error
	ListBlobs(ctx context.Context) ([]*model.Blob, error)

	// Users

	InsertUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// Shares

	InsertShare(ctx context.Context, share *model.Share) error
	GetShare(ctx context.Context, id string) (*model.Share, error)
	GetShareByToken(ctx context.Context, token string) (*model.Share, error)
	ListSharesForFiles(ctx context.Context, fileIDs []string) ([]*model.Share, error)
	DeleteShare(ctx context.Context, id string) error
	DeleteSharesForFiles(ctx context.Context, fileIDs []string) error

	// Operations

	CreateOperation(ctx context.Context, op *model.Operation) (int64, error)
	FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)
}

// Database is the transactional metadata store.
type Database interface {
	Queries

	// InTx runs fn in a transaction. The transaction commits if fn returns nil
	// and rolls back otherwise. Serialization conflicts are retried a bounded
	// number of times, so fn must be safe to run more than once; persistent
	// conflicts surface wrapped in ErrConflict.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// CheckMigrations verifies the schema is at the version this binary expects.
	CheckMigrations() error

	Close() error
}

// ListOrder selects the sort order of List.
type ListOrder string

const (
	OrderByName    ListOrder = "name"
	OrderByCreated ListOrder = "created"
)

// ListChildrenParams selects one page of children. After* fields form the
// keyset cursor: rows strictly after (AfterKey, AfterID) in the chosen order.
type ListChildrenParams struct {
	OwnerID      string
	ParentID     sql.NullString
	Order        ListOrder
	AfterName    string
	AfterCreated time.Time
	AfterID      string
	Limit        int
}
