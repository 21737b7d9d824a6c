package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"locker-go/internal/model"
)

// UploadRequest is one file upload. An empty ParentID uploads into the
// principal's root. An empty MimeType is sniffed from the content.
type UploadRequest struct {
	ParentID string
	Name     string
	MimeType string
	Body     io.Reader
}

// Upload streams req.Body through the staging area, deduplicates it against
// the blob store and attaches a new FileEntry. The entry insert and the blob
// reference increment commit in one transaction; staging is discarded on
// every exit path.
func (s *LockerService) Upload(ctx context.Context, p Principal, req UploadRequest) (*model.FileEntry, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	ownerID, err := s.authorizeParent(ctx, p, req.ParentID)
	if err != nil {
		return nil, err
	}

	staged, err := s.stagingArea.Ingest(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	defer staged.Discard()

	entry := s.newEntry(ownerID, req.ParentID, req.Name, false)
	entry.Size = staged.Size()
	entry.MimeType = req.MimeType
	if entry.MimeType == "" {
		entry.MimeType = staged.MimeType()
	}

	if staged.Size() == 0 {
		err := s.database.InTx(ctx, func(q Queries) error {
			return insertEntry(ctx, q, entry)
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("file uploaded", "id", entry.ID, "name", entry.Name, "size", 0, "by", p.UserID)
		return entry, nil
	}

	hash := staged.Hash()
	entry.ContentHash = sql.NullString{String: hash, Valid: true}

	deduped, err := s.attach(ctx, entry, staged)
	if err != nil {
		return nil, err
	}

	s.logger.Info("file uploaded", "id", entry.ID, "name", entry.Name, "size", entry.Size, "hash", hash, "deduplicated", deduped, "by", p.UserID)
	return entry, nil
}

// attach commits staged bytes (unless already stored) and records entry
// plus its blob reference. Everything runs under the hash lock so that a
// concurrent purge of the same hash cannot delete the bytes in between.
// Reports whether the bytes were already present.
func (s *LockerService) attach(ctx context.Context, entry *model.FileEntry, staged StagedContent) (bool, error) {
	hash := staged.Hash()
	unlock := s.hashLocks.Lock(hash)
	defer unlock()

	exists, err := s.storedWithRow(ctx, hash)
	if err != nil {
		return false, err
	}

	committed := false
	if !exists {
		outcome, err := s.blobs.Put(ctx, hash, staged)
		if err != nil {
			return false, fmt.Errorf("storing blob: %w", err)
		}
		committed = outcome == PutCommitted
	}

	blob := &model.Blob{
		ContentHash:    hash,
		ByteSize:       staged.Size(),
		StoredSize:     staged.StoredSize(),
		Encrypted:      staged.Encrypted(),
		ReferenceCount: 1,
		StorageKey:     hash,
		CreatedAt:      s.clock.Now(),
	}
	err = s.database.InTx(ctx, func(q Queries) error {
		if err := q.AcquireBlobRef(ctx, blob); err != nil {
			return fmt.Errorf("referencing blob: %w", err)
		}
		return insertEntry(ctx, q, entry)
	})
	if err != nil {
		if committed {
			s.compensate(ctx, hash)
		}
		return false, err
	}

	// Another instance may have removed the bytes between the check above
	// and the commit. Now that the row holds a reference nothing removes
	// them again, so storing them once more is final.
	if exists, err = s.blobs.Exists(ctx, hash); err != nil {
		return false, fmt.Errorf("checking blob store: %w", err)
	}
	if !exists {
		s.logger.Warn("blob bytes vanished during upload, storing again", "hash", hash)
		if _, err := s.blobs.Put(ctx, hash, staged); err != nil {
			return false, fmt.Errorf("storing blob: %w", err)
		}
		committed = true
	}
	return !committed, nil
}

// storedWithRow reports whether hash has stored bytes described by a blob
// row. Bytes without a row are left over from a failed upload and may have
// been written under a different encryption setting, so they are removed
// and stored again from staging.
func (s *LockerService) storedWithRow(ctx context.Context, hash string) (bool, error) {
	exists, err := s.blobs.Exists(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("checking blob store: %w", err)
	}
	if !exists {
		return false, nil
	}
	blob, err := s.database.GetBlob(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("loading blob: %w", err)
	}
	if blob != nil {
		return true, nil
	}

	removed, err := s.removeBlob(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("replacing orphaned blob: %w", err)
	}
	if removed {
		s.logger.Info("orphaned blob replaced", "hash", hash)
		return false, nil
	}
	return true, nil
}

// compensate removes bytes that were committed for a metadata transaction
// that then failed, unless some other row now references them.
// Failures are logged; Reconcile sweeps anything left behind.
func (s *LockerService) compensate(ctx context.Context, hash string) {
	removed, err := s.removeBlob(context.WithoutCancel(ctx), hash)
	if err != nil {
		s.logger.Warn("compensating delete failed", "hash", hash, "error", err)
		return
	}
	s.logger.Debug("compensating delete", "hash", hash, "removed", removed)
}

// ImportLocal uploads a local file, or the files of a local directory, under
// parentID. Directories become folders; with recursive set, nested
// directories are created as needed. Returns the number of files uploaded.
func (s *LockerService) ImportLocal(ctx context.Context, p Principal, parentID string, path *Path, recursive bool) (int, error) {
	if s.fsmgr == nil {
		return 0, fmt.Errorf("no filesystem manager configured")
	}

	if !path.IsDir() {
		if err := s.importFile(ctx, p, parentID, path); err != nil {
			return 0, err
		}
		return 1, nil
	}

	files, err := s.fsmgr.FindFiles(path, recursive)
	if err != nil {
		return 0, fmt.Errorf("finding files: %w", err)
	}

	root, err := s.ensureFolder(ctx, p, parentID, filepath.Base(path.String()))
	if err != nil {
		return 0, err
	}

	folders := map[string]string{".": root.ID}
	for _, f := range files {
		rel, err := filepath.Rel(path.String(), f.String())
		if err != nil {
			return 0, fmt.Errorf("calculating relative path: %w", err)
		}
		dirID, err := s.ensureFolderPath(ctx, p, folders, filepath.Dir(rel))
		if err != nil {
			return 0, err
		}
		if err := s.importFile(ctx, p, dirID, f); err != nil {
			return 0, err
		}
	}

	s.logger.Info("import complete", "path", path.String(), "count", len(files))
	return len(files), nil
}

func (s *LockerService) importFile(ctx context.Context, p Principal, parentID string, path *Path) error {
	r, err := s.fsmgr.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path.String(), err)
	}
	defer r.Close()

	_, err = s.Upload(ctx, p, UploadRequest{
		ParentID: parentID,
		Name:     filepath.Base(path.String()),
		Body:     r,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path.String(), err)
	}
	return nil
}

// ensureFolderPath creates the folders of a relative directory path,
// memoizing ids in folders.
func (s *LockerService) ensureFolderPath(ctx context.Context, p Principal, folders map[string]string, rel string) (string, error) {
	if id, ok := folders[rel]; ok {
		return id, nil
	}
	parentID, err := s.ensureFolderPath(ctx, p, folders, filepath.Dir(rel))
	if err != nil {
		return "", err
	}
	folder, err := s.ensureFolder(ctx, p, parentID, filepath.Base(rel))
	if err != nil {
		return "", err
	}
	folders[rel] = folder.ID
	return folder.ID, nil
}

// ensureFolder returns the live folder called name under parentID,
// creating it if missing.
func (s *LockerService) ensureFolder(ctx context.Context, p Principal, parentID, name string) (*model.FileEntry, error) {
	folder, err := s.CreateFolder(ctx, p, parentID, name)
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, ErrNameConflict) {
		return nil, err
	}

	ownerID, err := s.authorizeParent(ctx, p, parentID)
	if err != nil {
		return nil, err
	}
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	existing, err := s.database.FindLiveChild(ctx, ownerID, parent, name)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", name, err)
	}
	if existing == nil || !existing.IsFolder {
		return nil, fmt.Errorf("%q exists and is not a folder: %w", name, ErrNameConflict)
	}
	return existing, nil
}
