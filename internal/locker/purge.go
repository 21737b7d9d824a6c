package locker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"locker-go/internal/model"
)

// Purge hard-deletes a soft-deleted entry and its subtree. Shares on the
// purged rows go with them, each blob loses one reference per purged row,
// and blobs left with no references are removed from the store.
// Only the owner can purge.
func (s *LockerService) Purge(ctx context.Context, p Principal, entryID string) (int, error) {
	entry, err := s.database.GetEntry(ctx, entryID)
	if err != nil {
		return 0, fmt.Errorf("loading entry: %w", err)
	}
	if entry == nil {
		return 0, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	if p.IsAnonymous() || p.UserID != entry.OwnerID {
		return 0, fmt.Errorf("purge %s: %w", entryID, ErrPermissionDenied)
	}
	if !entry.Deleted() {
		return 0, fmt.Errorf("entry %s: %w", entryID, ErrNotDeleted)
	}

	n, err := s.purgeSubtree(ctx, entryID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("entry purged", "id", entryID, "count", n, "by", p.UserID)
	return n, nil
}

// PurgeDeletedBefore purges every trash subtree whose root was soft-deleted
// before cutoff. Descendants are never deleted later than their folder, so
// purging the oldest roots covers them. Returns the number of entries removed.
func (s *LockerService) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted, err := s.database.ListDeletedEntries(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing deleted entries: %w", err)
	}

	expired := make(map[string]*model.FileEntry)
	for _, e := range deleted {
		if e.DeletedAt.Time.Before(cutoff) {
			expired[e.ID] = e
		}
	}

	total := 0
	for _, e := range expired {
		if e.ParentID.Valid {
			if _, ok := expired[e.ParentID.String]; ok {
				continue
			}
		}
		n, err := s.purgeSubtree(ctx, e.ID)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", e.ID, err)
		}
		total += n
	}

	s.logger.Info("trash emptied", "cutoff", cutoff.Format(time.RFC3339), "count", total)
	return total, nil
}

// ListTrash returns the principal's soft-deleted entries whose parent is
// still live (or the root). Each one heads a subtree Restore or Purge acts on.
func (s *LockerService) ListTrash(ctx context.Context, p Principal) ([]*model.FileEntry, error) {
	if p.IsAnonymous() {
		return nil, fmt.Errorf("anonymous trash: %w", ErrPermissionDenied)
	}
	deleted, err := s.database.ListDeletedEntries(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing deleted entries: %w", err)
	}

	inTrash := make(map[string]bool, len(deleted))
	for _, e := range deleted {
		inTrash[e.ID] = true
	}
	var roots []*model.FileEntry
	for _, e := range deleted {
		if e.ParentID.Valid && inTrash[e.ParentID.String] {
			continue
		}
		roots = append(roots, e)
	}
	return roots, nil
}

// purgeSubtree removes the subtree rooted at id. All rows in it must be
// soft-deleted. Hash locks for every affected blob are held across the
// metadata transaction and the byte deletion, so an upload of the same
// content in this process either lands before (and keeps the blob alive) or
// after (and stores the bytes again).
//
// The first read only picks the locks. The subtree is read again inside the
// transaction and the purge fails if a Restore or move changed it meanwhile.
func (s *LockerService) purgeSubtree(ctx context.Context, id string) (int, error) {
	subtree, err := s.database.GetSubtree(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("loading subtree: %w", err)
	}
	if len(subtree) == 0 {
		return 0, nil
	}
	want, refs, err := purgeSet(id, subtree)
	if err != nil {
		return 0, err
	}

	hashes := slices.Sorted(maps.Keys(refs))
	unlock := s.hashLocks.LockAll(hashes)
	defer unlock()

	var (
		ids      []string
		released []string
	)
	err = s.database.InTx(ctx, func(q Queries) error {
		released = released[:0]
		current, err := q.GetSubtree(ctx, id)
		if err != nil {
			return fmt.Errorf("loading subtree: %w", err)
		}
		got, refs, err := purgeSet(id, current)
		if err != nil {
			return err
		}
		if !slices.Equal(got, want) {
			return fmt.Errorf("subtree %s changed during purge: %w", id, ErrNotDeleted)
		}
		ids = got

		if err := q.DeleteSharesForFiles(ctx, ids); err != nil {
			return fmt.Errorf("deleting shares: %w", err)
		}
		if err := q.DeleteEntries(ctx, ids); err != nil {
			return fmt.Errorf("deleting entries: %w", err)
		}
		for _, h := range hashes {
			remaining, err := q.ReleaseBlobRefs(ctx, h, refs[h])
			if err != nil {
				return fmt.Errorf("releasing blob %s: %w", h, err)
			}
			if remaining == 0 {
				released = append(released, h)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, h := range released {
		if _, err := s.removeBlob(ctx, h); err != nil {
			s.logger.Warn("blob removal failed", "hash", h, "error", err)
		}
	}
	return len(ids), nil
}

// purgeSet returns the sorted ids of subtree and the references each blob
// loses when they go. Every row must be soft-deleted.
func purgeSet(root string, subtree []*model.FileEntry) ([]string, map[string]int64, error) {
	refs := make(map[string]int64)
	ids := make([]string, 0, len(subtree))
	for _, e := range subtree {
		if !e.Deleted() {
			return nil, nil, fmt.Errorf("entry %s under %s: %w", e.ID, root, ErrNotDeleted)
		}
		ids = append(ids, e.ID)
		if e.ContentHash.Valid {
			refs[e.ContentHash.String]++
		}
	}
	slices.Sort(ids)
	return ids, refs, nil
}

// removeBlob deletes the blob row if it has no references, or finds no row
// at all, and then the stored bytes. Both happen inside one transaction so
// another instance cannot reference the hash until the bytes are gone.
// Callers hold the hash lock.
func (s *LockerService) removeBlob(ctx context.Context, hash string) (bool, error) {
	var removed bool
	err := s.database.InTx(ctx, func(q Queries) error {
		var err error
		removed, err = s.blobs.DeleteIfUnreferenced(ctx, hash, func(ctx context.Context) (bool, error) {
			deleted, err := q.DeleteBlobIfUnreferenced(ctx, hash)
			if err != nil {
				return true, err
			}
			if deleted {
				return false, nil
			}
			b, err := q.GetBlob(ctx, hash)
			if err != nil {
				return true, err
			}
			return b != nil, nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	s.logger.Debug("blob removed", "hash", hash, "bytes_removed", removed)
	return removed, nil
}

// ReconcileOptions tunes Reconcile.
type ReconcileOptions struct {
	// OrphanGrace protects stored bytes without a blob row that are younger
	// than this, since an upload may be between Put and its transaction.
	OrphanGrace time.Duration

	// DryRun reports what would change without changing it.
	DryRun bool
}

// ReconcileReport summarizes one Reconcile pass.
type ReconcileReport struct {
	BlobsChecked   int
	CountsRepaired int
	BlobsRemoved   int
	OrphansRemoved int
	MissingBytes   []string
}

// Reconcile repairs drift between entries, blob rows and stored bytes:
// reference counts are recomputed from entry rows, zero-reference blobs are
// removed, stored bytes with no blob row older than OrphanGrace are deleted,
// and blob rows whose bytes are missing are reported.
func (s *LockerService) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	counts, err := s.database.CountEntriesByHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting references: %w", err)
	}
	blobs, err := s.database.ListBlobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	known := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		report.BlobsChecked++
		known[b.ContentHash] = true

		if err := s.reconcileBlob(ctx, b.ContentHash, opts, report); err != nil {
			return report, err
		}
	}

	stored := make(map[string]bool)
	cutoff := s.clock.Now().Add(-opts.OrphanGrace)
	err = s.blobs.List(ctx, func(sb StoredBlob) error {
		stored[sb.Hash] = true
		if known[sb.Hash] || !sb.ModTime.Before(cutoff) {
			return nil
		}
		if opts.DryRun {
			report.OrphansRemoved++
			return nil
		}
		unlock := s.hashLocks.Lock(sb.Hash)
		defer unlock()
		removed, err := s.removeBlob(ctx, sb.Hash)
		if err != nil {
			return fmt.Errorf("removing orphan %s: %w", sb.Hash, err)
		}
		if removed {
			report.OrphansRemoved++
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("sweeping blob store: %w", err)
	}

	for _, b := range blobs {
		if !stored[b.ContentHash] && counts[b.ContentHash] > 0 {
			report.MissingBytes = append(report.MissingBytes, b.ContentHash)
		}
	}

	s.logger.Info("reconcile complete",
		"checked", report.BlobsChecked,
		"repaired", report.CountsRepaired,
		"removed", report.BlobsRemoved,
		"orphans", report.OrphansRemoved,
		"missing", len(report.MissingBytes),
	)
	return report, nil
}

func (s *LockerService) reconcileBlob(ctx context.Context, hash string, opts ReconcileOptions, report *ReconcileReport) error {
	unlock := s.hashLocks.Lock(hash)
	defer unlock()

	// Re-read under the lock; an upload may have changed the count.
	blob, err := s.database.GetBlob(ctx, hash)
	if err != nil {
		return fmt.Errorf("loading blob %s: %w", hash, err)
	}
	if blob == nil {
		return nil
	}
	want, err := s.database.CountEntriesForHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("counting references to %s: %w", hash, err)
	}

	if blob.ReferenceCount != want {
		report.CountsRepaired++
		s.logger.Warn("reference count drift", "hash", hash, "recorded", blob.ReferenceCount, "actual", want)
		if !opts.DryRun {
			if err := s.database.SetBlobRefCount(ctx, hash, want); err != nil {
				return fmt.Errorf("repairing count for %s: %w", hash, err)
			}
		}
	}

	if want == 0 {
		report.BlobsRemoved++
		if !opts.DryRun {
			if _, err := s.removeBlob(ctx, hash); err != nil {
				return fmt.Errorf("removing blob %s: %w", hash, err)
			}
		}
	}
	return nil
}
