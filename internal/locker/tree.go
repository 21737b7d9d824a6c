package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"locker-go/internal/model"
)

// CreateEntryParams describes a new node. An empty ParentID means the
// owner's root. ContentHash must name an existing blob when set.
type CreateEntryParams struct {
	OwnerID     string
	ParentID    string
	Name        string
	IsFolder    bool
	MimeType    string
	ContentHash string
	Size        int64
}

// CreateEntry inserts a node without any permission check. A set
// ContentHash takes a reference on the existing blob in the same transaction.
func (s *LockerService) CreateEntry(ctx context.Context, params CreateEntryParams) (*model.FileEntry, error) {
	if err := ValidateName(params.Name); err != nil {
		return nil, err
	}
	if params.IsFolder && (params.ContentHash != "" || params.Size != 0) {
		return nil, fmt.Errorf("folders carry no content")
	}

	entry := s.newEntry(params.OwnerID, params.ParentID, params.Name, params.IsFolder)
	entry.MimeType = params.MimeType
	entry.Size = params.Size
	if params.ContentHash != "" {
		entry.ContentHash = sql.NullString{String: params.ContentHash, Valid: true}
		unlock := s.hashLocks.Lock(params.ContentHash)
		defer unlock()
	}

	err := s.database.InTx(ctx, func(q Queries) error {
		if entry.ContentHash.Valid {
			if err := q.IncrementBlobRef(ctx, entry.ContentHash.String); err != nil {
				return fmt.Errorf("referencing blob: %w", err)
			}
		}
		return insertEntry(ctx, q, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *LockerService) newEntry(ownerID, parentID, name string, isFolder bool) *model.FileEntry {
	now := s.clock.Now()
	entry := &model.FileEntry{
		ID:        s.idgen.New(),
		OwnerID:   ownerID,
		Name:      name,
		IsFolder:  isFolder,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parentID != "" {
		entry.ParentID = sql.NullString{String: parentID, Valid: true}
	}
	return entry
}

// insertEntry validates the parent and sibling names, then inserts.
func insertEntry(ctx context.Context, q Queries, entry *model.FileEntry) error {
	if entry.ParentID.Valid {
		parent, err := q.GetEntry(ctx, entry.ParentID.String)
		if err != nil {
			return fmt.Errorf("loading parent: %w", err)
		}
		if err := checkParent(parent, entry.OwnerID); err != nil {
			return err
		}
	}

	existing, err := q.FindLiveChild(ctx, entry.OwnerID, entry.ParentID, entry.Name)
	if err != nil {
		return fmt.Errorf("checking siblings: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%q: %w", entry.Name, ErrNameConflict)
	}

	if err := q.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// checkParent enforces that parent is a live folder of ownerID.
func checkParent(parent *model.FileEntry, ownerID string) error {
	switch {
	case parent == nil:
		return fmt.Errorf("parent does not exist: %w", ErrInvalidParent)
	case parent.Deleted():
		return fmt.Errorf("parent %s is deleted: %w", parent.ID, ErrInvalidParent)
	case !parent.IsFolder:
		return fmt.Errorf("parent %s is not a folder: %w", parent.ID, ErrInvalidParent)
	case parent.OwnerID != ownerID:
		return fmt.Errorf("parent %s belongs to another owner: %w", parent.ID, ErrInvalidParent)
	}
	return nil
}

// authorizeParent checks that p may create children under parentID and
// returns the owner new children will belong to. An empty parentID is the
// principal's own root.
func (s *LockerService) authorizeParent(ctx context.Context, p Principal, parentID string) (string, error) {
	if parentID == "" {
		if p.IsAnonymous() {
			return "", fmt.Errorf("anonymous root: %w", ErrPermissionDenied)
		}
		return p.UserID, nil
	}

	parent, err := s.database.GetEntry(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("loading parent: %w", err)
	}
	if parent == nil || parent.Deleted() || !parent.IsFolder {
		return "", checkParent(parent, "")
	}
	if err := s.require(ctx, p, parentID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return "", err
	}
	return parent.OwnerID, nil
}

// CreateFolder creates a folder under parentID (or p's root). Children of a
// shared folder belong to the folder's owner, not to the principal.
func (s *LockerService) CreateFolder(ctx context.Context, p Principal, parentID, name string) (*model.FileEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ownerID, err := s.authorizeParent(ctx, p, parentID)
	if err != nil {
		return nil, err
	}

	folder, err := s.CreateEntry(ctx, CreateEntryParams{
		OwnerID:  ownerID,
		ParentID: parentID,
		Name:     name,
		IsFolder: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("folder created", "id", folder.ID, "name", name, "parent", parentID, "by", p.UserID)
	return folder, nil
}

// Move reparents entryID under newParentID (empty = owner's root).
// Fails with ErrCycleDetected if newParentID is entryID or one of its
// descendants, found by walking the ancestor chain of newParentID.
func (s *LockerService) Move(ctx context.Context, p Principal, entryID, newParentID string) (*model.FileEntry, error) {
	entry, err := getLiveEntry(ctx, s.database, entryID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, p, entryID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return nil, err
	}
	if p.UserID != entry.OwnerID {
		if newParentID == "" {
			return nil, fmt.Errorf("only the owner can move to the root: %w", ErrPermissionDenied)
		}
		if err := s.require(ctx, p, newParentID, model.PermissionWrite, LinkCredentials{}); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%v: %w", err, ErrInvalidParent)
			}
			return nil, err
		}
	}

	var moved *model.FileEntry
	err = s.database.InTx(ctx, func(q Queries) error {
		cur, err := getLiveEntry(ctx, q, entryID)
		if err != nil {
			return err
		}

		var parent sql.NullString
		if newParentID != "" {
			if newParentID == cur.ID {
				return fmt.Errorf("moving %s into itself: %w", cur.ID, ErrCycleDetected)
			}
			chain, err := q.GetAncestors(ctx, newParentID)
			if err != nil {
				return fmt.Errorf("loading ancestors: %w", err)
			}
			for _, a := range chain {
				if a.ID == cur.ID {
					return fmt.Errorf("%s is a descendant of %s: %w", newParentID, cur.ID, ErrCycleDetected)
				}
			}
			var np *model.FileEntry
			if len(chain) > 0 {
				np = chain[0]
			}
			if err := checkParent(np, cur.OwnerID); err != nil {
				return err
			}
			parent = sql.NullString{String: newParentID, Valid: true}
		}

		if parent == cur.ParentID {
			moved = cur
			return nil
		}

		if err := checkSiblingFree(ctx, q, cur, parent, cur.Name); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := q.UpdateEntryLocation(ctx, cur.ID, parent, cur.Name, now); err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
		cur.ParentID = parent
		cur.UpdatedAt = now
		moved = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("entry moved", "id", entryID, "parent", newParentID, "by", p.UserID)
	return moved, nil
}

// Rename changes the name of entryID, keeping it under the same parent.
func (s *LockerService) Rename(ctx context.Context, p Principal, entryID, newName string) (*model.FileEntry, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	if err := s.require(ctx, p, entryID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return nil, err
	}

	var renamed *model.FileEntry
	err := s.database.InTx(ctx, func(q Queries) error {
		cur, err := getLiveEntry(ctx, q, entryID)
		if err != nil {
			return err
		}
		if cur.Name == newName {
			renamed = cur
			return nil
		}
		if err := checkSiblingFree(ctx, q, cur, cur.ParentID, newName); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := q.UpdateEntryLocation(ctx, cur.ID, cur.ParentID, newName, now); err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
		cur.Name = newName
		cur.UpdatedAt = now
		renamed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("entry renamed", "id", entryID, "name", newName, "by", p.UserID)
	return renamed, nil
}

// checkSiblingFree fails with ErrNameConflict if another live entry of the
// same owner already has name under parent.
func checkSiblingFree(ctx context.Context, q Queries, entry *model.FileEntry, parent sql.NullString, name string) error {
	existing, err := q.FindLiveChild(ctx, entry.OwnerID, parent, name)
	if err != nil {
		return fmt.Errorf("checking siblings: %w", err)
	}
	if existing != nil && existing.ID != entry.ID {
		return fmt.Errorf("%q: %w", name, ErrNameConflict)
	}
	return nil
}

// SoftDelete marks entryID and every live descendant deleted with a single
// timestamp, in one transaction. Blob references are kept until purge.
// Returns the number of entries marked.
func (s *LockerService) SoftDelete(ctx context.Context, p Principal, entryID string) (int, error) {
	if err := s.require(ctx, p, entryID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return 0, err
	}

	var marked int
	err := s.database.InTx(ctx, func(q Queries) error {
		if _, err := getLiveEntry(ctx, q, entryID); err != nil {
			return err
		}
		subtree, err := q.GetSubtree(ctx, entryID)
		if err != nil {
			return fmt.Errorf("loading subtree: %w", err)
		}

		ids := make([]string, 0, len(subtree))
		for _, e := range subtree {
			if !e.Deleted() {
				ids = append(ids, e.ID)
			}
		}
		if err := q.MarkDeleted(ctx, ids, s.clock.Now()); err != nil {
			return fmt.Errorf("marking deleted: %w", err)
		}
		marked = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("entry deleted", "id", entryID, "count", marked, "by", p.UserID)
	return marked, nil
}

// Restore undoes a soft delete. It revives exactly the entries that were
// deleted together with entryID (same deleted_at), so children deleted
// earlier stay deleted. The parent must be live and the name free.
// Only the owner can restore.
func (s *LockerService) Restore(ctx context.Context, p Principal, entryID string) (int, error) {
	entry, err := s.database.GetEntry(ctx, entryID)
	if err != nil {
		return 0, fmt.Errorf("loading entry: %w", err)
	}
	if entry == nil {
		return 0, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	if p.IsAnonymous() || p.UserID != entry.OwnerID {
		return 0, fmt.Errorf("restore %s: %w", entryID, ErrPermissionDenied)
	}

	var restored int
	err = s.database.InTx(ctx, func(q Queries) error {
		cur, err := q.GetEntry(ctx, entryID)
		if err != nil {
			return fmt.Errorf("loading entry: %w", err)
		}
		if cur == nil {
			return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
		}
		if !cur.Deleted() {
			return fmt.Errorf("entry %s: %w", entryID, ErrNotDeleted)
		}

		if cur.ParentID.Valid {
			parent, err := q.GetEntry(ctx, cur.ParentID.String)
			if err != nil {
				return fmt.Errorf("loading parent: %w", err)
			}
			if err := checkParent(parent, cur.OwnerID); err != nil {
				return err
			}
		}
		if err := checkSiblingFree(ctx, q, cur, cur.ParentID, cur.Name); err != nil {
			return err
		}

		subtree, err := q.GetSubtree(ctx, entryID)
		if err != nil {
			return fmt.Errorf("loading subtree: %w", err)
		}
		var ids []string
		for _, e := range subtree {
			if e.Deleted() && e.DeletedAt.Time.Equal(cur.DeletedAt.Time) {
				ids = append(ids, e.ID)
			}
		}
		if err := q.ClearDeleted(ctx, ids, s.clock.Now()); err != nil {
			return fmt.Errorf("restoring entries: %w", err)
		}
		restored = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("entry restored", "id", entryID, "count", restored, "by", p.UserID)
	return restored, nil
}

// ListQuery selects the children to list. An empty ParentID lists the
// principal's root. AfterID resumes after a previously returned entry.
type ListQuery struct {
	ParentID string
	Order    ListOrder
	AfterID  string
	Creds    LinkCredentials
}

// List yields the live children of a folder lazily, one page per query.
// The sequence is restartable: ranging over it again starts from the top
// (or from AfterID) and observes the tree as it is then.
func (s *LockerService) List(ctx context.Context, p Principal, lq ListQuery) iter.Seq2[*model.FileEntry, error] {
	return func(yield func(*model.FileEntry, error) bool) {
		params, err := s.listParams(ctx, p, lq)
		if err != nil {
			yield(nil, err)
			return
		}

		for {
			page, err := s.database.ListChildren(ctx, params)
			if err != nil {
				yield(nil, fmt.Errorf("listing children: %w", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < params.Limit {
				return
			}
			last := page[len(page)-1]
			params.AfterName = last.Name
			params.AfterCreated = last.CreatedAt
			params.AfterID = last.ID
		}
	}
}

func (s *LockerService) listParams(ctx context.Context, p Principal, lq ListQuery) (ListChildrenParams, error) {
	params := ListChildrenParams{Order: lq.Order, Limit: s.pageSize}
	switch params.Order {
	case "":
		params.Order = OrderByName
	case OrderByName, OrderByCreated:
	default:
		return params, fmt.Errorf("unknown list order %q", lq.Order)
	}

	if lq.ParentID == "" {
		if p.IsAnonymous() {
			return params, fmt.Errorf("anonymous root: %w", ErrPermissionDenied)
		}
		params.OwnerID = p.UserID
	} else {
		parent, err := getLiveEntry(ctx, s.database, lq.ParentID)
		if err != nil {
			return params, err
		}
		if !parent.IsFolder {
			return params, fmt.Errorf("%s is not a folder: %w", parent.ID, ErrInvalidParent)
		}
		if err := s.require(ctx, p, parent.ID, model.PermissionRead, lq.Creds); err != nil {
			return params, err
		}
		params.OwnerID = parent.OwnerID
		params.ParentID = sql.NullString{String: parent.ID, Valid: true}
	}

	if lq.AfterID != "" {
		after, err := s.database.GetEntry(ctx, lq.AfterID)
		if err != nil {
			return params, fmt.Errorf("loading cursor: %w", err)
		}
		if after == nil {
			return params, fmt.Errorf("cursor %s: %w", lq.AfterID, ErrNotFound)
		}
		params.AfterName = after.Name
		params.AfterCreated = after.CreatedAt
		params.AfterID = after.ID
	}
	return params, nil
}

// Stat returns an entry the principal can read.
func (s *LockerService) Stat(ctx context.Context, p Principal, entryID string, creds LinkCredentials) (*model.FileEntry, error) {
	if err := s.require(ctx, p, entryID, model.PermissionRead, creds); err != nil {
		return nil, err
	}
	return getLiveEntry(ctx, s.database, entryID)
}

// Lookup resolves a slash-separated path such as "/docs/report.pdf" in the
// principal's own tree.
func (s *LockerService) Lookup(ctx context.Context, p Principal, path string) (*model.FileEntry, error) {
	if p.IsAnonymous() {
		return nil, fmt.Errorf("anonymous lookup: %w", ErrPermissionDenied)
	}

	var (
		parent sql.NullString
		cur    *model.FileEntry
	)
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		child, err := s.database.FindLiveChild(ctx, p.UserID, parent, part)
		if err != nil {
			return nil, fmt.Errorf("looking up %q: %w", part, err)
		}
		if child == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		cur = child
		parent = sql.NullString{String: child.ID, Valid: true}
	}
	if cur == nil {
		return nil, fmt.Errorf("%q names the root, not an entry: %w", path, ErrNotFound)
	}
	return cur, nil
}
