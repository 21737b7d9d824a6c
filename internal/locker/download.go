package locker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"locker-go/internal/model"
)

// Open returns a readable entry and a stream of its plaintext bytes.
// The caller must close the stream.
func (s *LockerService) Open(ctx context.Context, p Principal, fileID string, creds LinkCredentials) (*model.FileEntry, io.ReadCloser, error) {
	entry, err := s.Stat(ctx, p, fileID, creds)
	if err != nil {
		return nil, nil, err
	}
	if entry.IsFolder {
		return nil, nil, fmt.Errorf("%s is a folder", entry.ID)
	}
	if !entry.ContentHash.Valid {
		return entry, io.NopCloser(bytes.NewReader(nil)), nil
	}

	hash := entry.ContentHash.String
	blob, err := s.database.GetBlob(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("loading blob: %w", err)
	}
	if blob == nil {
		return nil, nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}

	rc, err := s.blobs.Get(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blob: %w", err)
	}
	if !blob.Encrypted {
		return entry, rc, nil
	}

	if s.decryptor == nil {
		rc.Close()
		return nil, nil, fmt.Errorf("blob %s is encrypted and no key is unlocked", hash)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		pw.CloseWithError(s.decryptor.Decrypt(rc, pw))
	}()
	return entry, pr, nil
}
