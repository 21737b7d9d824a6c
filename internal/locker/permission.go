package locker

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"locker-go/internal/model"
)

// Resolve decides whether p may use fileID with the requested permission.
// Rules, first match wins:
//  1. the owner is allowed anything;
//  2. a live user or email share on the entry or any ancestor whose
//     permission covers the request allows it;
//  3. a read request presenting the token (and password, if set) of a live
//     public share on the entry or any ancestor is allowed;
//  4. everything else is denied.
//
// Soft-deleted or missing entries return ErrNotFound. Nothing is cached:
// share changes take effect on the next call.
func (s *LockerService) Resolve(ctx context.Context, p Principal, fileID string, requested model.Permission, creds LinkCredentials) (Decision, error) {
	if !requested.Valid() {
		return Deny, fmt.Errorf("unknown permission %q", requested)
	}

	chain, err := s.database.GetAncestors(ctx, fileID)
	if err != nil {
		return Deny, fmt.Errorf("loading ancestors: %w", err)
	}
	if len(chain) == 0 || chain[0].Deleted() {
		return Deny, fmt.Errorf("entry %s: %w", fileID, ErrNotFound)
	}

	return s.decide(ctx, s.database, p, chain, requested, creds)
}

// decide applies the resolution rules to an already loaded ancestor chain
// (entry first, root last).
func (s *LockerService) decide(ctx context.Context, q Queries, p Principal, chain []*model.FileEntry, requested model.Permission, creds LinkCredentials) (Decision, error) {
	entry := chain[0]

	if !p.IsAnonymous() && p.UserID == entry.OwnerID {
		return Allow, nil
	}

	ids := make([]string, len(chain))
	for i, e := range chain {
		ids[i] = e.ID
	}
	shares, err := q.ListSharesForFiles(ctx, ids)
	if err != nil {
		return Deny, fmt.Errorf("loading shares: %w", err)
	}
	if len(shares) == 0 {
		return Deny, nil
	}

	now := s.clock.Now()

	if !p.IsAnonymous() {
		var email string
		user, err := q.GetUser(ctx, p.UserID)
		if err != nil {
			return Deny, fmt.Errorf("loading user: %w", err)
		}
		if user != nil {
			email = user.Email
		}

		for _, sh := range shares {
			if sh.IsPublic || sh.Expired(now) || !sh.Permission.Covers(requested) {
				continue
			}
			if sh.GranteeUserID.Valid && sh.GranteeUserID.String == p.UserID {
				return Allow, nil
			}
			if sh.GranteeEmail.Valid && email != "" && strings.EqualFold(sh.GranteeEmail.String, email) {
				return Allow, nil
			}
		}
	}

	if requested == model.PermissionRead && creds.Token != "" {
		for _, sh := range shares {
			if !sh.IsPublic || sh.Expired(now) || !sh.Token.Valid {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(sh.Token.String), []byte(creds.Token)) != 1 {
				continue
			}
			if sh.PasswordHash.Valid {
				if bcrypt.CompareHashAndPassword([]byte(sh.PasswordHash.String), []byte(creds.Password)) != nil {
					continue
				}
			}
			return Allow, nil
		}
	}

	return Deny, nil
}

// require resolves and converts Deny into ErrPermissionDenied.
func (s *LockerService) require(ctx context.Context, p Principal, fileID string, requested model.Permission, creds LinkCredentials) error {
	decision, err := s.Resolve(ctx, p, fileID, requested, creds)
	if err != nil {
		return err
	}
	if decision != Allow {
		return fmt.Errorf("%s on %s for %s: %w", requested, fileID, p, ErrPermissionDenied)
	}
	return nil
}
