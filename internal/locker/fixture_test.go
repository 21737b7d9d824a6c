package locker_test

import (
	"bytes"
	"context"
	"testing"

	"locker-go/internal/blobstore"
	"locker-go/internal/database"
	"locker-go/internal/locker"
	"locker-go/internal/model"
	"locker-go/internal/staging"
	"locker-go/internal/testutil"
)

// fixture is a LockerService over in-memory storage with three registered users.
type fixture struct {
	svc     *locker.LockerService
	db      *database.DB
	blobs   *blobstore.MemoryBlobStore
	staging *staging.StagingArea
	clock   *testutil.StubClock
	fsmgr   *testutil.MockFilesystemManager
	ids     *testutil.StubIDGenerator

	alice locker.Principal
	bob   locker.Principal
	carol locker.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, testutil.NewTestStagingArea(t))
}

func newFixtureWith(t *testing.T, sa *staging.StagingArea) *fixture {
	t.Helper()
	clock := testutil.FixedClock()
	f := &fixture{
		db:      testutil.NewTestDatabase(t),
		blobs:   testutil.NewTestBlobStore(clock),
		staging: sa,
		clock:   clock,
		fsmgr:   testutil.NewMockFilesystemManager(),
		ids:     testutil.NewStubIDGenerator(),
	}
	f.svc = f.serviceOver(f.db, f.blobs)

	f.alice = f.register(t, "alice@example.com")
	f.bob = f.register(t, "bob@example.com")
	f.carol = f.register(t, "carol@example.com")
	return f
}

// serviceOver builds a LockerService on the fixture's staging, clock and
// ids. Each one has its own hash locks, like a separate server instance.
func (f *fixture) serviceOver(db locker.Database, blobs locker.BlobStore) *locker.LockerService {
	return locker.NewLockerService(db, f.staging, blobs, f.fsmgr, locker.NewNopLogger(), f.clock, f.ids)
}

// txHookDB runs beforeTx once, just before the next transaction starts.
type txHookDB struct {
	*database.DB
	beforeTx func()
}

func (d *txHookDB) InTx(ctx context.Context, fn func(q locker.Queries) error) error {
	if hook := d.beforeTx; hook != nil {
		d.beforeTx = nil
		hook()
	}
	return d.DB.InTx(ctx, fn)
}

// existsHookStore runs afterExists once, after the next Exists check.
type existsHookStore struct {
	*blobstore.MemoryBlobStore
	afterExists func(hash string)
}

func (s *existsHookStore) Exists(ctx context.Context, hash string) (bool, error) {
	ok, err := s.MemoryBlobStore.Exists(ctx, hash)
	if hook := s.afterExists; hook != nil {
		s.afterExists = nil
		hook(hash)
	}
	return ok, err
}

func (f *fixture) register(t *testing.T, email string) locker.Principal {
	t.Helper()
	user, err := f.svc.RegisterUser(context.Background(), email, "user")
	if err != nil {
		t.Fatalf("RegisterUser(%q) error = %v", email, err)
	}
	return locker.Principal{UserID: user.ID, Role: user.Role}
}

func (f *fixture) upload(t *testing.T, p locker.Principal, parentID, name, content string) *model.FileEntry {
	t.Helper()
	entry, err := f.svc.Upload(context.Background(), p, locker.UploadRequest{
		ParentID: parentID,
		Name:     name,
		Body:     bytes.NewReader([]byte(content)),
	})
	if err != nil {
		t.Fatalf("Upload(%q) error = %v", name, err)
	}
	return entry
}

func (f *fixture) mkdir(t *testing.T, p locker.Principal, parentID, name string) *model.FileEntry {
	t.Helper()
	folder, err := f.svc.CreateFolder(context.Background(), p, parentID, name)
	if err != nil {
		t.Fatalf("CreateFolder(%q) error = %v", name, err)
	}
	return folder
}

func (f *fixture) share(t *testing.T, p locker.Principal, req locker.ShareRequest) *model.Share {
	t.Helper()
	share, err := f.svc.CreateShare(context.Background(), p, req)
	if err != nil {
		t.Fatalf("CreateShare() error = %v", err)
	}
	return share
}

// refs returns the recorded reference count for hash, or -1 if there is no blob row.
func (f *fixture) refs(t *testing.T, hash string) int64 {
	t.Helper()
	blob, err := f.db.GetBlob(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetBlob() error = %v", err)
	}
	if blob == nil {
		return -1
	}
	return blob.ReferenceCount
}

// names collects the names yielded by List.
func (f *fixture) names(t *testing.T, p locker.Principal, q locker.ListQuery) []string {
	t.Helper()
	var names []string
	for e, err := range f.svc.List(context.Background(), p, q) {
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		names = append(names, e.Name)
	}
	return names
}
