package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"locker-go/internal/locker"
	"locker-go/internal/model"
)

var baseTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func folder(id, owner, parent, name string) *model.FileEntry {
	e := &model.FileEntry{
		ID:        id,
		OwnerID:   owner,
		Name:      name,
		IsFolder:  true,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	if parent != "" {
		e.ParentID = sql.NullString{String: parent, Valid: true}
	}
	return e
}

func file(id, owner, parent, name, hash string) *model.FileEntry {
	e := folder(id, owner, parent, name)
	e.IsFolder = false
	e.Size = 10
	e.MimeType = "text/plain"
	if hash != "" {
		e.ContentHash = sql.NullString{String: hash, Valid: true}
	}
	return e
}

func mustInsert(t *testing.T, db *DB, entries ...*model.FileEntry) {
	t.Helper()
	for _, e := range entries {
		if err := db.InsertEntry(context.Background(), e); err != nil {
			t.Fatalf("InsertEntry(%s) error = %v", e.ID, err)
		}
	}
}

func mustBlob(t *testing.T, db *DB, hash string) {
	t.Helper()
	err := db.AcquireBlobRef(context.Background(), &model.Blob{
		ContentHash: hash, ByteSize: 10, StoredSize: 10, StorageKey: hash, CreatedAt: baseTime,
	})
	if err != nil {
		t.Fatalf("AcquireBlobRef(%s) error = %v", hash, err)
	}
}

func TestDB_Entries(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when entry not found", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.GetEntry(ctx, "missing")
		if err != nil {
			t.Fatalf("GetEntry() error = %v", err)
		}
		if got != nil {
			t.Errorf("GetEntry() = %v, want nil", got)
		}
	})

	t.Run("round trips every column", func(t *testing.T) {
		db := newTestDB(t)
		mustBlob(t, db, "h1")
		mustInsert(t, db, folder("d1", "u1", "", "docs"), file("f1", "u1", "d1", "a.txt", "h1"))

		got, err := db.GetEntry(ctx, "f1")
		if err != nil {
			t.Fatalf("GetEntry() error = %v", err)
		}
		if got == nil {
			t.Fatal("GetEntry() = nil, want entry")
		}
		if got.ParentID.String != "d1" || got.Name != "a.txt" || got.IsFolder {
			t.Errorf("GetEntry() = %+v", got)
		}
		if !got.ContentHash.Valid || got.ContentHash.String != "h1" {
			t.Errorf("ContentHash = %v, want h1", got.ContentHash)
		}
		if !got.CreatedAt.Equal(baseTime) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
		}
		if got.Deleted() {
			t.Error("Deleted() = true, want false")
		}
	})

	t.Run("live sibling name conflict", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("d1", "u1", "", "docs"))

		err := db.InsertEntry(ctx, folder("d2", "u1", "", "docs"))
		if !errors.Is(err, locker.ErrNameConflict) {
			t.Fatalf("InsertEntry() error = %v, want ErrNameConflict", err)
		}
	})

	t.Run("same name allowed for other owners and deleted siblings", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("d1", "u1", "", "docs"), folder("d2", "u2", "", "docs"))

		if err := db.MarkDeleted(ctx, []string{"d1"}, baseTime); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		mustInsert(t, db, folder("d3", "u1", "", "docs"))

		// Reviving d1 now collides with d3.
		err := db.ClearDeleted(ctx, []string{"d1"}, baseTime)
		if !errors.Is(err, locker.ErrNameConflict) {
			t.Errorf("ClearDeleted() error = %v, want ErrNameConflict", err)
		}
	})

	t.Run("find live child", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("d1", "u1", "", "docs"), file("f1", "u1", "d1", "a.txt", ""))

		got, err := db.FindLiveChild(ctx, "u1", sql.NullString{String: "d1", Valid: true}, "a.txt")
		if err != nil {
			t.Fatalf("FindLiveChild() error = %v", err)
		}
		if got == nil || got.ID != "f1" {
			t.Errorf("FindLiveChild() = %v, want f1", got)
		}

		root, err := db.FindLiveChild(ctx, "u1", sql.NullString{}, "docs")
		if err != nil {
			t.Fatalf("FindLiveChild(root) error = %v", err)
		}
		if root == nil || root.ID != "d1" {
			t.Errorf("FindLiveChild(root) = %v, want d1", root)
		}

		if err := db.MarkDeleted(ctx, []string{"f1"}, baseTime); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		got, err = db.FindLiveChild(ctx, "u1", sql.NullString{String: "d1", Valid: true}, "a.txt")
		if err != nil {
			t.Fatalf("FindLiveChild() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindLiveChild() after delete = %v, want nil", got)
		}
	})

	t.Run("ancestors and subtree", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db,
			folder("a", "u1", "", "a"),
			folder("b", "u1", "a", "b"),
			folder("c", "u1", "b", "c"),
			file("f", "u1", "c", "f.txt", ""),
			file("g", "u1", "a", "g.txt", ""),
		)

		chain, err := db.GetAncestors(ctx, "f")
		if err != nil {
			t.Fatalf("GetAncestors() error = %v", err)
		}
		want := []string{"f", "c", "b", "a"}
		if len(chain) != len(want) {
			t.Fatalf("len(GetAncestors()) = %d, want %d", len(chain), len(want))
		}
		for i, id := range want {
			if chain[i].ID != id {
				t.Errorf("chain[%d] = %s, want %s", i, chain[i].ID, id)
			}
		}

		subtree, err := db.GetSubtree(ctx, "b")
		if err != nil {
			t.Fatalf("GetSubtree() error = %v", err)
		}
		if len(subtree) != 3 {
			t.Errorf("len(GetSubtree(b)) = %d, want 3", len(subtree))
		}
		if subtree[0].ID != "b" {
			t.Errorf("subtree[0] = %s, want b", subtree[0].ID)
		}

		missing, err := db.GetAncestors(ctx, "nope")
		if err != nil {
			t.Fatalf("GetAncestors(missing) error = %v", err)
		}
		if len(missing) != 0 {
			t.Errorf("GetAncestors(missing) returned %d rows, want 0", len(missing))
		}
	})

	t.Run("delete whole subtree in one statement", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("a", "u1", "", "a"), folder("b", "u1", "a", "b"), file("f", "u1", "b", "f", ""))

		if err := db.DeleteEntries(ctx, []string{"a", "b", "f"}); err != nil {
			t.Fatalf("DeleteEntries() error = %v", err)
		}
		got, _ := db.GetEntry(ctx, "a")
		if got != nil {
			t.Error("entry a still exists")
		}
	})

	t.Run("refuses to orphan children", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("a", "u1", "", "a"), file("f", "u1", "a", "f", ""))

		if err := db.DeleteEntries(ctx, []string{"a"}); err == nil {
			t.Error("DeleteEntries() of a parent alone expected foreign key error")
		}
	})

	t.Run("move updates parent and name", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db, folder("a", "u1", "", "a"), folder("b", "u1", "", "b"), file("f", "u1", "a", "f", ""))

		later := baseTime.Add(time.Hour)
		err := db.UpdateEntryLocation(ctx, "f", sql.NullString{String: "b", Valid: true}, "g", later)
		if err != nil {
			t.Fatalf("UpdateEntryLocation() error = %v", err)
		}
		got, _ := db.GetEntry(ctx, "f")
		if got.ParentID.String != "b" || got.Name != "g" || !got.UpdatedAt.Equal(later) {
			t.Errorf("after move = %+v", got)
		}

		mustInsert(t, db, file("x", "u1", "b", "x", ""))
		err = db.UpdateEntryLocation(ctx, "x", sql.NullString{String: "b", Valid: true}, "g", later)
		if !errors.Is(err, locker.ErrNameConflict) {
			t.Errorf("UpdateEntryLocation() onto taken name error = %v, want ErrNameConflict", err)
		}
	})

	t.Run("deleted entries filter by owner", func(t *testing.T) {
		db := newTestDB(t)
		mustInsert(t, db,
			file("a1", "u1", "", "a1", ""),
			file("a2", "u1", "", "a2", ""),
			file("b1", "u2", "", "b1", ""),
		)
		if err := db.MarkDeleted(ctx, []string{"a2", "b1"}, baseTime); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}

		mine, err := db.ListDeletedEntries(ctx, "u1")
		if err != nil {
			t.Fatalf("ListDeletedEntries() error = %v", err)
		}
		if len(mine) != 1 || mine[0].ID != "a2" {
			t.Errorf("ListDeletedEntries(u1) = %v, want [a2]", mine)
		}

		all, err := db.ListDeletedEntries(ctx, "")
		if err != nil {
			t.Fatalf("ListDeletedEntries() error = %v", err)
		}
		if len(all) != 2 {
			t.Errorf("len(ListDeletedEntries(all)) = %d, want 2", len(all))
		}
	})
}

func TestDB_ListChildren(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	mustInsert(t, db, folder("root", "u1", "", "root"))
	names := []string{"e", "b", "d", "a", "c"}
	for i, name := range names {
		e := file(fmt.Sprintf("id-%d", i), "u1", "root", name, "")
		e.CreatedAt = baseTime.Add(time.Duration(i) * time.Second)
		mustInsert(t, db, e)
	}
	mustInsert(t, db, file("other", "u2", "", "z", ""))

	parent := sql.NullString{String: "root", Valid: true}

	t.Run("pages by name", func(t *testing.T) {
		params := locker.ListChildrenParams{OwnerID: "u1", ParentID: parent, Order: locker.OrderByName, Limit: 2}
		var got []string
		for {
			page, err := db.ListChildren(ctx, params)
			if err != nil {
				t.Fatalf("ListChildren() error = %v", err)
			}
			for _, e := range page {
				got = append(got, e.Name)
			}
			if len(page) < params.Limit {
				break
			}
			last := page[len(page)-1]
			params.AfterName, params.AfterID = last.Name, last.ID
		}
		want := "a b c d e"
		if fmt.Sprint(got) != "["+want+"]" {
			t.Errorf("names = %v, want [%s]", got, want)
		}
	})

	t.Run("pages by creation time", func(t *testing.T) {
		params := locker.ListChildrenParams{OwnerID: "u1", ParentID: parent, Order: locker.OrderByCreated, Limit: 3}
		page, err := db.ListChildren(ctx, params)
		if err != nil {
			t.Fatalf("ListChildren() error = %v", err)
		}
		if len(page) != 3 || page[0].Name != "e" || page[2].Name != "d" {
			t.Fatalf("first page = %v", page)
		}
		last := page[2]
		params.AfterCreated, params.AfterID = last.CreatedAt, last.ID
		page, err = db.ListChildren(ctx, params)
		if err != nil {
			t.Fatalf("ListChildren() error = %v", err)
		}
		if len(page) != 2 || page[0].Name != "a" || page[1].Name != "c" {
			t.Errorf("second page = %v", page)
		}
	})

	t.Run("root listing is per owner", func(t *testing.T) {
		page, err := db.ListChildren(ctx, locker.ListChildrenParams{OwnerID: "u2", Limit: 10})
		if err != nil {
			t.Fatalf("ListChildren() error = %v", err)
		}
		if len(page) != 1 || page[0].ID != "other" {
			t.Errorf("u2 root = %v, want [other]", page)
		}
	})
}

func TestDB_BlobRefs(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire inserts then increments", func(t *testing.T) {
		db := newTestDB(t)
		mustBlob(t, db, "h1")
		mustBlob(t, db, "h1")

		b, err := db.GetBlob(ctx, "h1")
		if err != nil {
			t.Fatalf("GetBlob() error = %v", err)
		}
		if b.ReferenceCount != 2 {
			t.Errorf("ReferenceCount = %d, want 2", b.ReferenceCount)
		}
	})

	t.Run("increment requires existing row", func(t *testing.T) {
		db := newTestDB(t)
		err := db.IncrementBlobRef(ctx, "missing")
		if !errors.Is(err, locker.ErrNotFound) {
			t.Errorf("IncrementBlobRef() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("release and delete", func(t *testing.T) {
		db := newTestDB(t)
		mustBlob(t, db, "h1")
		mustBlob(t, db, "h1")

		remaining, err := db.ReleaseBlobRefs(ctx, "h1", 1)
		if err != nil {
			t.Fatalf("ReleaseBlobRefs() error = %v", err)
		}
		if remaining != 1 {
			t.Errorf("remaining = %d, want 1", remaining)
		}

		deleted, err := db.DeleteBlobIfUnreferenced(ctx, "h1")
		if err != nil {
			t.Fatalf("DeleteBlobIfUnreferenced() error = %v", err)
		}
		if deleted {
			t.Error("DeleteBlobIfUnreferenced() deleted a referenced blob")
		}

		remaining, err = db.ReleaseBlobRefs(ctx, "h1", 5)
		if err != nil {
			t.Fatalf("ReleaseBlobRefs() error = %v", err)
		}
		if remaining != 0 {
			t.Errorf("remaining = %d, want 0 (clamped)", remaining)
		}

		deleted, err = db.DeleteBlobIfUnreferenced(ctx, "h1")
		if err != nil {
			t.Fatalf("DeleteBlobIfUnreferenced() error = %v", err)
		}
		if !deleted {
			t.Error("DeleteBlobIfUnreferenced() = false, want true")
		}
		if b, _ := db.GetBlob(ctx, "h1"); b != nil {
			t.Errorf("GetBlob() after delete = %v, want nil", b)
		}
	})

	t.Run("counts entries per hash including deleted", func(t *testing.T) {
		db := newTestDB(t)
		mustBlob(t, db, "h1")
		mustBlob(t, db, "h2")
		mustInsert(t, db,
			file("f1", "u1", "", "a", "h1"),
			file("f2", "u1", "", "b", "h1"),
			file("f3", "u1", "", "c", "h2"),
			file("f4", "u1", "", "d", ""),
		)
		if err := db.MarkDeleted(ctx, []string{"f2"}, baseTime); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}

		counts, err := db.CountEntriesByHash(ctx)
		if err != nil {
			t.Fatalf("CountEntriesByHash() error = %v", err)
		}
		if counts["h1"] != 2 || counts["h2"] != 1 || len(counts) != 2 {
			t.Errorf("CountEntriesByHash() = %v", counts)
		}

		n, err := db.CountEntriesForHash(ctx, "h1")
		if err != nil {
			t.Fatalf("CountEntriesForHash() error = %v", err)
		}
		if n != 2 {
			t.Errorf("CountEntriesForHash(h1) = %d, want 2", n)
		}
	})
}

func TestDB_InTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := newTestDB(t)
		err := db.InTx(ctx, func(q locker.Queries) error {
			return q.InsertEntry(ctx, folder("d1", "u1", "", "docs"))
		})
		if err != nil {
			t.Fatalf("InTx() error = %v", err)
		}
		if got, _ := db.GetEntry(ctx, "d1"); got == nil {
			t.Error("entry not committed")
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := newTestDB(t)
		boom := errors.New("boom")
		err := db.InTx(ctx, func(q locker.Queries) error {
			if err := q.InsertEntry(ctx, folder("d1", "u1", "", "docs")); err != nil {
				return err
			}
			if err := q.AcquireBlobRef(ctx, &model.Blob{ContentHash: "h", StorageKey: "h", CreatedAt: baseTime}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("InTx() error = %v, want boom", err)
		}
		if got, _ := db.GetEntry(ctx, "d1"); got != nil {
			t.Error("entry survived rollback")
		}
		if b, _ := db.GetBlob(ctx, "h"); b != nil {
			t.Error("blob survived rollback")
		}
	})

	t.Run("does not retry ordinary errors", func(t *testing.T) {
		db := newTestDB(t)
		calls := 0
		_ = db.InTx(ctx, func(q locker.Queries) error {
			calls++
			return errors.New("not retryable")
		})
		if calls != 1 {
			t.Errorf("fn called %d times, want 1", calls)
		}
	})

	t.Run("retries busy errors then reports conflict", func(t *testing.T) {
		db := newTestDB(t)
		calls := 0
		err := db.InTx(ctx, func(q locker.Queries) error {
			calls++
			return fmt.Errorf("writing: %w", sqlite3.Error{Code: sqlite3.ErrBusy})
		})
		if !errors.Is(err, locker.ErrConflict) {
			t.Errorf("InTx() error = %v, want ErrConflict", err)
		}
		if calls != maxTxRetries+1 {
			t.Errorf("fn called %d times, want %d", calls, maxTxRetries+1)
		}
	})
}

func TestDB_UsersAndShares(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice := &model.User{ID: "u1", Email: "Alice@Example.com", Role: "user", CreatedAt: baseTime}
	if err := db.InsertUser(ctx, alice); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}
	if err := db.InsertUser(ctx, &model.User{ID: "u3", Email: "Alice@Example.com", CreatedAt: baseTime}); err == nil {
		t.Error("InsertUser() with duplicate email expected error")
	}

	got, err := db.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if got == nil || got.ID != "u1" {
		t.Fatalf("GetUserByEmail() = %v, want u1", got)
	}

	mustInsert(t, db, folder("d1", "u1", "", "docs"), file("f1", "u1", "d1", "a", ""))

	public := &model.Share{
		ID: "s1", FileID: "d1", Permission: model.PermissionRead, IsPublic: true,
		Token:     sql.NullString{String: "tok", Valid: true},
		CreatedBy: "u1", CreatedAt: baseTime,
		ExpiresAt: sql.NullTime{Time: baseTime.Add(time.Hour), Valid: true},
	}
	direct := &model.Share{
		ID: "s2", FileID: "f1", Permission: model.PermissionWrite,
		GranteeEmail: sql.NullString{String: "bob@example.com", Valid: true},
		CreatedBy:    "u1", CreatedAt: baseTime.Add(time.Second),
	}
	for _, s := range []*model.Share{public, direct} {
		if err := db.InsertShare(ctx, s); err != nil {
			t.Fatalf("InsertShare(%s) error = %v", s.ID, err)
		}
	}

	byToken, err := db.GetShareByToken(ctx, "tok")
	if err != nil {
		t.Fatalf("GetShareByToken() error = %v", err)
	}
	if byToken == nil || byToken.ID != "s1" || !byToken.IsPublic {
		t.Errorf("GetShareByToken() = %+v", byToken)
	}
	if !byToken.ExpiresAt.Time.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", byToken.ExpiresAt)
	}

	shares, err := db.ListSharesForFiles(ctx, []string{"f1", "d1"})
	if err != nil {
		t.Fatalf("ListSharesForFiles() error = %v", err)
	}
	if len(shares) != 2 {
		t.Errorf("len(ListSharesForFiles()) = %d, want 2", len(shares))
	}

	if err := db.DeleteSharesForFiles(ctx, []string{"f1"}); err != nil {
		t.Fatalf("DeleteSharesForFiles() error = %v", err)
	}
	if s, _ := db.GetShare(ctx, "s2"); s != nil {
		t.Error("share s2 survived DeleteSharesForFiles")
	}
	if err := db.DeleteShare(ctx, "s1"); err != nil {
		t.Fatalf("DeleteShare() error = %v", err)
	}
	if s, _ := db.GetShare(ctx, "s1"); s != nil {
		t.Error("share s1 survived DeleteShare")
	}
}

func TestDB_Operations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := &model.Operation{Actor: "u1", Operation: "upload", Parameters: "a.txt", StartedAt: baseTime}
	id1, err := db.CreateOperation(ctx, first)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	id2, err := db.CreateOperation(ctx, &model.Operation{Operation: "fsck", StartedAt: baseTime})
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	if err := db.FinishOperation(ctx, id1, "success", baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}

	ops, err := db.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ListOperations()) = %d, want 2", len(ops))
	}
	if ops[0].ID != id2 {
		t.Errorf("ops[0].ID = %d, want newest %d", ops[0].ID, id2)
	}
	if ops[1].Status != "success" || !ops[1].FinishedAt.Valid {
		t.Errorf("finished op = %+v", ops[1])
	}
	if ops[0].Status != "running" {
		t.Errorf("unfinished op status = %q, want running", ops[0].Status)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		unique    bool
	}{
		{"nil", nil, false, false},
		{"plain", errors.New("x"), false, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true, false},
		{"sqlite locked", fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true, false},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, false, true},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true, false},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true, false},
		{"postgres unique", &pgconn.PgError{Code: "23505"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.retryable {
				t.Errorf("isRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := isUniqueViolation(tt.err); got != tt.unique {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.unique)
			}
		})
	}
}
