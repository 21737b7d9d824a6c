package locker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"locker-go/internal/model"
)

// ShareRequest describes a grant on FileID. Exactly one of GranteeUserID,
// GranteeEmail or Public must be set. Public shares are read-only and get a
// generated token; Password optionally protects them. A zero ExpiresAt
// never expires.
type ShareRequest struct {
	FileID        string
	Permission    model.Permission
	GranteeUserID string
	GranteeEmail  string
	Public        bool
	Password      string
	ExpiresAt     time.Time
}

func (r ShareRequest) validate() error {
	targets := 0
	if r.GranteeUserID != "" {
		targets++
	}
	if r.GranteeEmail != "" {
		targets++
	}
	if r.Public {
		targets++
	}
	if targets != 1 {
		return fmt.Errorf("%w: exactly one of user, email or public is required", ErrInvalidShare)
	}
	if !r.Permission.Valid() {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidShare, r.Permission)
	}
	if r.Public && r.Permission != model.PermissionRead {
		return fmt.Errorf("%w: public links are read-only", ErrInvalidShare)
	}
	if !r.Public && r.Password != "" {
		return fmt.Errorf("%w: passwords apply to public links only", ErrInvalidShare)
	}
	if r.GranteeEmail != "" && !strings.Contains(r.GranteeEmail, "@") {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidShare, r.GranteeEmail)
	}
	return nil
}

// CreateShare grants access to an entry. The principal must own the entry
// or hold write permission on it.
func (s *LockerService) CreateShare(ctx context.Context, p Principal, req ShareRequest) (*model.Share, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if p.IsAnonymous() {
		return nil, fmt.Errorf("anonymous share: %w", ErrPermissionDenied)
	}
	if err := s.require(ctx, p, req.FileID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry %s is in the past", ErrInvalidShare, req.ExpiresAt.Format(time.RFC3339))
	}

	share := &model.Share{
		ID:         s.idgen.New(),
		FileID:     req.FileID,
		Permission: req.Permission,
		IsPublic:   req.Public,
		CreatedBy:  p.UserID,
		CreatedAt:  now,
	}
	if !req.ExpiresAt.IsZero() {
		share.ExpiresAt = sql.NullTime{Time: req.ExpiresAt.UTC(), Valid: true}
	}

	switch {
	case req.GranteeUserID != "":
		user, err := s.database.GetUser(ctx, req.GranteeUserID)
		if err != nil {
			return nil, fmt.Errorf("loading grantee: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("grantee %s: %w", req.GranteeUserID, ErrNotFound)
		}
		share.GranteeUserID = sql.NullString{String: user.ID, Valid: true}
	case req.GranteeEmail != "":
		share.GranteeEmail = sql.NullString{String: strings.TrimSpace(req.GranteeEmail), Valid: true}
	default:
		token, err := newShareToken()
		if err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
		share.Token = sql.NullString{String: token, Valid: true}
		if req.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hashing password: %w", err)
			}
			share.PasswordHash = sql.NullString{String: string(hash), Valid: true}
		}
	}

	if err := s.database.InsertShare(ctx, share); err != nil {
		return nil, fmt.Errorf("inserting share: %w", err)
	}

	s.logger.Info("share created", "id", share.ID, "file", share.FileID, "permission", share.Permission, "public", share.IsPublic, "by", p.UserID)
	return share, nil
}

// RevokeShare deletes a share. Allowed for the entry's owner and the share's creator.
func (s *LockerService) RevokeShare(ctx context.Context, p Principal, shareID string) error {
	share, err := s.database.GetShare(ctx, shareID)
	if err != nil {
		return fmt.Errorf("loading share: %w", err)
	}
	if share == nil {
		return fmt.Errorf("share %s: %w", shareID, ErrNotFound)
	}

	entry, err := s.database.GetEntry(ctx, share.FileID)
	if err != nil {
		return fmt.Errorf("loading entry: %w", err)
	}
	isOwner := entry != nil && entry.OwnerID == p.UserID
	if p.IsAnonymous() || (!isOwner && share.CreatedBy != p.UserID) {
		return fmt.Errorf("revoke %s: %w", shareID, ErrPermissionDenied)
	}

	if err := s.database.DeleteShare(ctx, shareID); err != nil {
		return fmt.Errorf("deleting share: %w", err)
	}

	s.logger.Info("share revoked", "id", shareID, "file", share.FileID, "by", p.UserID)
	return nil
}

// ListShares returns the shares placed directly on an entry. Requires write
// permission, since shares reveal tokens.
func (s *LockerService) ListShares(ctx context.Context, p Principal, fileID string) ([]*model.Share, error) {
	if err := s.require(ctx, p, fileID, model.PermissionWrite, LinkCredentials{}); err != nil {
		return nil, err
	}
	shares, err := s.database.ListSharesForFiles(ctx, []string{fileID})
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	return shares, nil
}

// OpenLink resolves a public link token to the entry it shares. Unknown,
// expired and non-public tokens all look the same: ErrNotFound. A wrong
// password is ErrPermissionDenied.
func (s *LockerService) OpenLink(ctx context.Context, token, password string) (*model.FileEntry, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrNotFound)
	}
	share, err := s.database.GetShareByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading share: %w", err)
	}
	if share == nil || !share.IsPublic || share.Expired(s.clock.Now()) {
		return nil, fmt.Errorf("link: %w", ErrNotFound)
	}

	entry, err := s.Stat(ctx, Anonymous(), share.FileID, LinkCredentials{Token: token, Password: password})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
