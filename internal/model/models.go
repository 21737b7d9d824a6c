package model

import (
	"database/sql"
	"time"
)

// FileEntry is a file or folder node in an owner's tree.
// Folders have Size 0 and no ContentHash. Zero-byte files also have no ContentHash.
type FileEntry struct {
	ID          string         `db:"id"`
	OwnerID     string         `db:"owner_id"`
	ParentID    sql.NullString `db:"parent_id"` // NULL = owner's root
	Name        string         `db:"name"`
	IsFolder    bool           `db:"is_folder"`
	MimeType    string         `db:"mime_type"`
	Size        int64          `db:"size"`
	ContentHash sql.NullString `db:"content_hash"`
	DeletedAt   sql.NullTime   `db:"deleted_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Deleted reports whether the entry has been soft-deleted.
func (e *FileEntry) Deleted() bool {
	return e.DeletedAt.Valid
}

// Blob is one deduplicated piece of stored content, keyed by its content hash.
// ReferenceCount counts every FileEntry row pointing at the hash, including
// soft-deleted rows that have not been purged yet.
type Blob struct {
	ContentHash    string    `db:"content_hash"`
	ByteSize       int64     `db:"byte_size"`   // plaintext bytes
	StoredSize     int64     `db:"stored_size"` // bytes at rest (differs when encrypted)
	Encrypted      bool      `db:"encrypted"`
	ReferenceCount int64     `db:"reference_count"`
	StorageKey     string    `db:"storage_key"`
	CreatedAt      time.Time `db:"created_at"`
}

// Permission is the access level a share grants.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Valid reports whether p is a known permission level.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// Covers reports whether holding p satisfies a request for requested.
// Write implies read.
func (p Permission) Covers(requested Permission) bool {
	switch p {
	case PermissionWrite:
		return requested == PermissionWrite || requested == PermissionRead
	case PermissionRead:
		return requested == PermissionRead
	default:
		return false
	}
}

// Share grants access to one FileEntry and, through it, to all of its descendants.
// Exactly one of GranteeUserID, GranteeEmail or IsPublic identifies the target.
type Share struct {
	ID            string         `db:"id"`
	FileID        string         `db:"file_id"`
	Permission    Permission     `db:"permission"`
	GranteeUserID sql.NullString `db:"grantee_user_id"`
	GranteeEmail  sql.NullString `db:"grantee_email"`
	IsPublic      bool           `db:"is_public"`
	Token         sql.NullString `db:"share_token"`
	PasswordHash  sql.NullString `db:"password_hash"`
	CreatedBy     string         `db:"created_by"`
	CreatedAt     time.Time      `db:"created_at"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
}

// Expired reports whether the share is inert at now.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt.Valid && !now.Before(s.ExpiresAt.Time)
}

// User is a registered account. Authentication happens elsewhere; the store
// only needs the id, the email that email-addressed shares match against, and the role.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

// Operation is an audit record of one mutating command.
type Operation struct {
	ID         int64        `db:"id"`
	Actor      string       `db:"actor"`
	Operation  string       `db:"operation"`
	Parameters string       `db:"parameters"`
	Status     string       `db:"status"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}
