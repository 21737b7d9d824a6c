package locker

import (
	"context"
	"fmt"
	"strings"

	"locker-go/internal/model"
)

const (
	// maxNameBytes bounds entry names.
	maxNameBytes = 255

	// defaultPageSize is the number of rows List fetches per query.
	defaultPageSize = 100
)

// LockerService coordinates the staging area, blob store and metadata
// database to implement uploads, the folder tree, sharing and purging.
// It is safe for concurrent use.
type LockerService struct {
	database    Database
	stagingArea StagingArea
	blobs       BlobStore
	fsmgr       FilesystemManager
	logger      Logger
	clock       Clock
	idgen       IDGenerator

	// hashLocks serializes Exists/Put/ref-count changes and
	// decrement/delete for the same content hash within this process.
	hashLocks *KeyLock
	decryptor DecryptionContext
	pageSize  int
}

// NewLockerService creates a LockerService with the provided dependencies.
// fsmgr may be nil if ImportLocal is never used.
func NewLockerService(database Database, stagingArea StagingArea, blobs BlobStore, fsmgr FilesystemManager, logger Logger, clock Clock, idgen IDGenerator) *LockerService {
	return &LockerService{
		database:    database,
		stagingArea: stagingArea,
		blobs:       blobs,
		fsmgr:       fsmgr,
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
		hashLocks:   NewKeyLock(),
		pageSize:    defaultPageSize,
	}
}

// SetDecryptionContext installs the unlocked key used by Open for encrypted blobs.
func (s *LockerService) SetDecryptionContext(dc DecryptionContext) {
	s.decryptor = dc
}

// SetPageSize changes how many rows List fetches per query.
func (s *LockerService) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// ValidateName checks an entry name: non-empty, at most 255 bytes, no '/'
// or NUL, and not "." or "..". Names are otherwise compared byte for byte.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameBytes:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameBytes)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains '/' or NUL", ErrInvalidName, name)
	}
	return nil
}

// getLiveEntry loads an entry and maps missing or soft-deleted rows to ErrNotFound.
func getLiveEntry(ctx context.Context, q Queries, id string) (*model.FileEntry, error) {
	entry, err := q.GetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading entry: %w", err)
	}
	if entry == nil || entry.Deleted() {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

// RegisterUser records a user so email-addressed shares can match them.
func (s *LockerService) RegisterUser(ctx context.Context, email, role string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email: %q", email)
	}
	if role == "" {
		role = "user"
	}

	user := &model.User{
		ID:        s.idgen.New(),
		Email:     email,
		Role:      role,
		CreatedAt: s.clock.Now(),
	}
	if err := s.database.InsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("user registered", "user", user.ID, "email", email)
	return user, nil
}

// LookupUser finds a user by id or, if ref contains '@', by email.
func (s *LockerService) LookupUser(ctx context.Context, ref string) (*model.User, error) {
	var (
		user *model.User
		err  error
	)
	if strings.Contains(ref, "@") {
		user, err = s.database.GetUserByEmail(ctx, ref)
	} else {
		user, err = s.database.GetUser(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", ref, ErrNotFound)
	}
	return user, nil
}

// GetHistory returns the most recent audited operations, newest first.
func (s *LockerService) GetHistory(ctx context.Context, limit int) ([]*model.Operation, error) {
	ops, err := s.database.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
