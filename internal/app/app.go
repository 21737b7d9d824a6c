package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"locker-go/internal/blobstore"
	"locker-go/internal/config"
	"locker-go/internal/database"
	"locker-go/internal/encryption"
	"locker-go/internal/fs"
	"locker-go/internal/locker"
	"locker-go/internal/model"
	"locker-go/internal/staging"
)

// Options configures one LockerApp session.
type Options struct {
	// Operation names the CLI command being run (e.g. "Upload", "Purge").
	Operation string

	// As is the id or email of the acting user. Empty acts anonymously.
	As string

	// Stderr receives warnings; defaults to os.Stderr.
	Stderr io.Writer

	// Clock and IDs override time and id generation, mainly for tests.
	Clock locker.Clock
	IDs   locker.IDGenerator
}

// LockerApp is the application layer between the CLI and LockerService.
// It constructs all dependencies from config, resolves slash-separated
// remote paths, audits mutating commands, and manages the DB lifecycle on
// Close.
type LockerApp struct {
	cfg       *config.Config
	db        *database.DB
	blobs     locker.BlobStore
	staging   *staging.StagingArea
	fsmgr     locker.FilesystemManager
	encryptor locker.Encryptor
	service   *locker.LockerService
	clock     locker.Clock
	principal locker.Principal
	op        *Operation
	logFile   *os.File
}

// NewLockerApp creates a fully wired LockerApp from the given config.
// The caller must call Close when done.
func NewLockerApp(ctx context.Context, cfg *config.Config, opts Options) (*LockerApp, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = locker.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = locker.UUIDGenerator{}
	}

	fsmgr := fs.NewOSFilesystemManager(cfg.Filesystem.Ignore)

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging, enc)
	if err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	blobs, err := blobstore.NewBlobStoreFromConfig(ctx, cfg.BlobStore, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, cfg.LogLevel, opID, opts.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	// Leftovers from a crashed upload only waste disk; keep going.
	if err := sa.Cleanup(); err != nil {
		logger.Warn("staging cleanup failed", "error", err)
	}

	svc := locker.NewLockerService(db, sa, blobs, fsmgr, &slogAdapter{l: logger}, opts.Clock, opts.IDs)
	svc.SetPageSize(cfg.PageSize)

	a := &LockerApp{
		cfg:       cfg,
		db:        db,
		blobs:     blobs,
		staging:   sa,
		fsmgr:     fsmgr,
		encryptor: enc,
		service:   svc,
		clock:     opts.Clock,
		logFile:   logFile,
	}

	if opts.As != "" {
		user, err := svc.LookupUser(ctx, opts.As)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("resolving --as: %w", err)
		}
		a.principal = locker.Principal{UserID: user.ID, Role: user.Role}
	}
	a.op = NewOperation(a.principal.UserID, opts.Operation)
	return a, nil
}

// Principal returns the acting principal.
func (a *LockerApp) Principal() locker.Principal {
	return a.principal
}

// begin persists the operation record with its parameters. It is called
// only by commands that change state.
func (a *LockerApp) begin(ctx context.Context, params ...string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = strings.Join(params, " ")
	id, err := a.db.CreateOperation(ctx, &model.Operation{
		Actor:      a.op.Actor,
		Operation:  a.op.Operation,
		Parameters: a.op.Parameters,
		Status:     statusRunning,
		StartedAt:  a.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// done records the outcome of a mutating command and passes err through.
func (a *LockerApp) done(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// resolveFolder maps a remote path to a folder id. "/" and "" are the
// principal's root, returned as "".
func (a *LockerApp) resolveFolder(ctx context.Context, remote string) (string, error) {
	if strings.Trim(remote, "/") == "" {
		return "", nil
	}
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return "", err
	}
	if !entry.IsFolder {
		return "", fmt.Errorf("%s is not a folder: %w", remote, locker.ErrInvalidParent)
	}
	return entry.ID, nil
}

// splitRemote separates a remote path into its parent folder path and final name.
func splitRemote(remote string) (string, string) {
	trimmed := strings.TrimRight(remote, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "/", trimmed
	}
	return trimmed[:i], trimmed[i+1:]
}

// Mkdir creates a folder at the given remote path. The parent must exist.
func (a *LockerApp) Mkdir(ctx context.Context, remote string) (*model.FileEntry, error) {
	if err := a.begin(ctx, remote); err != nil {
		return nil, err
	}
	dir, name := splitRemote(remote)
	parentID, err := a.resolveFolder(ctx, dir)
	if err != nil {
		return nil, a.done(err)
	}
	folder, err := a.service.CreateFolder(ctx, a.principal, parentID, name)
	return folder, a.done(err)
}

// Upload imports a local file or directory into the remote folder.
// Returns the number of files uploaded.
func (a *LockerApp) Upload(ctx context.Context, localPath, remoteDir string, recursive bool) (int, error) {
	if err := a.begin(ctx, localPath, remoteDir); err != nil {
		return 0, err
	}
	p, err := a.fsmgr.Resolve(localPath)
	if err != nil {
		return 0, a.done(fmt.Errorf("resolving path: %w", err))
	}
	parentID, err := a.resolveFolder(ctx, remoteDir)
	if err != nil {
		return 0, a.done(err)
	}
	n, err := a.service.ImportLocal(ctx, a.principal, parentID, p, recursive)
	return n, a.done(err)
}

// UploadStream stores r as a file at the remote path.
func (a *LockerApp) UploadStream(ctx context.Context, remote string, r io.Reader) (*model.FileEntry, error) {
	if err := a.begin(ctx, remote); err != nil {
		return nil, err
	}
	dir, name := splitRemote(remote)
	parentID, err := a.resolveFolder(ctx, dir)
	if err != nil {
		return nil, a.done(err)
	}
	entry, err := a.service.Upload(ctx, a.principal, locker.UploadRequest{ParentID: parentID, Name: name, Body: r})
	return entry, a.done(err)
}

// List returns the children of a remote folder.
func (a *LockerApp) List(ctx context.Context, remote string, order locker.ListOrder) ([]*model.FileEntry, error) {
	parentID, err := a.resolveFolder(ctx, remote)
	if err != nil {
		return nil, err
	}
	var entries []*model.FileEntry
	for e, err := range a.service.List(ctx, a.principal, locker.ListQuery{ParentID: parentID, Order: order}) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Move moves the entry at src into the folder at destDir.
func (a *LockerApp) Move(ctx context.Context, src, destDir string) (*model.FileEntry, error) {
	if err := a.begin(ctx, src, destDir); err != nil {
		return nil, err
	}
	entry, err := a.service.Lookup(ctx, a.principal, src)
	if err != nil {
		return nil, a.done(err)
	}
	parentID, err := a.resolveFolder(ctx, destDir)
	if err != nil {
		return nil, a.done(err)
	}
	moved, err := a.service.Move(ctx, a.principal, entry.ID, parentID)
	return moved, a.done(err)
}

// Rename gives the entry at remote a new name in the same folder.
func (a *LockerApp) Rename(ctx context.Context, remote, newName string) (*model.FileEntry, error) {
	if err := a.begin(ctx, remote, newName); err != nil {
		return nil, err
	}
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return nil, a.done(err)
	}
	renamed, err := a.service.Rename(ctx, a.principal, entry.ID, newName)
	return renamed, a.done(err)
}

// Remove moves the entry at remote and everything under it to the trash.
func (a *LockerApp) Remove(ctx context.Context, remote string) (int, error) {
	if err := a.begin(ctx, remote); err != nil {
		return 0, err
	}
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return 0, a.done(err)
	}
	n, err := a.service.SoftDelete(ctx, a.principal, entry.ID)
	return n, a.done(err)
}

// Trash lists the heads of the principal's deleted subtrees.
func (a *LockerApp) Trash(ctx context.Context) ([]*model.FileEntry, error) {
	return a.service.ListTrash(ctx, a.principal)
}

// Restore brings a trashed subtree back by entry id.
func (a *LockerApp) Restore(ctx context.Context, id string) (int, error) {
	if err := a.begin(ctx, id); err != nil {
		return 0, err
	}
	n, err := a.service.Restore(ctx, a.principal, id)
	return n, a.done(err)
}

// Purge permanently removes a trashed subtree by entry id.
func (a *LockerApp) Purge(ctx context.Context, id string) (int, error) {
	if err := a.begin(ctx, id); err != nil {
		return 0, err
	}
	n, err := a.service.Purge(ctx, a.principal, id)
	return n, a.done(err)
}

// PurgeTrash purges everything deleted longer ago than olderThan, or than the
// configured retention when olderThan is zero.
func (a *LockerApp) PurgeTrash(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = a.cfg.Trash.Retention.Duration
	}
	if err := a.begin(ctx, "--older-than", olderThan.String()); err != nil {
		return 0, err
	}
	n, err := a.service.PurgeDeletedBefore(ctx, a.clock.Now().Add(-olderThan))
	return n, a.done(err)
}

// EncryptionEnabled reports whether blobs may be encrypted at rest.
func (a *LockerApp) EncryptionEnabled() bool {
	return a.encryptor != nil
}

// Unlock decrypts the private key so encrypted blobs can be read.
func (a *LockerApp) Unlock(passphrase string) error {
	if a.encryptor == nil {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	a.service.SetDecryptionContext(dc)
	return nil
}

// Get downloads the file at remote to dest. If dest is an existing
// directory the file keeps its remote name. Returns the local path written.
func (a *LockerApp) Get(ctx context.Context, remote, dest string) (string, error) {
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return "", err
	}
	return a.download(ctx, a.principal, entry.ID, locker.LinkCredentials{}, dest)
}

// OpenLink resolves a public link. For a folder the live children are
// returned as well.
func (a *LockerApp) OpenLink(ctx context.Context, token, password string) (*model.FileEntry, []*model.FileEntry, error) {
	entry, err := a.service.OpenLink(ctx, token, password)
	if err != nil {
		return nil, nil, err
	}
	if !entry.IsFolder {
		return entry, nil, nil
	}
	creds := locker.LinkCredentials{Token: token, Password: password}
	var children []*model.FileEntry
	for e, err := range a.service.List(ctx, locker.Anonymous(), locker.ListQuery{ParentID: entry.ID, Creds: creds}) {
		if err != nil {
			return nil, nil, err
		}
		children = append(children, e)
	}
	return entry, children, nil
}

// GetLink downloads a file reachable through a public link. fileID may name
// the shared entry itself or any file below it.
func (a *LockerApp) GetLink(ctx context.Context, token, password, fileID, dest string) (string, error) {
	if fileID == "" {
		entry, err := a.service.OpenLink(ctx, token, password)
		if err != nil {
			return "", err
		}
		fileID = entry.ID
	}
	return a.download(ctx, locker.Anonymous(), fileID, locker.LinkCredentials{Token: token, Password: password}, dest)
}

// download streams a file to a temp file next to the target and renames it
// into place, so a failed download never leaves a partial file.
func (a *LockerApp) download(ctx context.Context, p locker.Principal, fileID string, creds locker.LinkCredentials, dest string) (string, error) {
	entry, rc, err := a.service.Open(ctx, p, fileID, creds)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, entry.Name)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".locker-get-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming into place: %w", err)
	}
	return dest, nil
}

// ShareOptions describes a share to create from the command line.
type ShareOptions struct {
	Permission model.Permission
	User       string // user id or email of a registered user
	Email      string
	Public     bool
	Password   string
	ExpiresIn  time.Duration
}

// ShareAdd shares the entry at remote.
func (a *LockerApp) ShareAdd(ctx context.Context, remote string, opts ShareOptions) (*model.Share, error) {
	if err := a.begin(ctx, remote, string(opts.Permission)); err != nil {
		return nil, err
	}
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return nil, a.done(err)
	}

	req := locker.ShareRequest{
		FileID:       entry.ID,
		Permission:   opts.Permission,
		GranteeEmail: opts.Email,
		Public:       opts.Public,
		Password:     opts.Password,
	}
	if opts.User != "" {
		user, err := a.service.LookupUser(ctx, opts.User)
		if err != nil {
			return nil, a.done(err)
		}
		req.GranteeUserID = user.ID
	}
	if opts.ExpiresIn > 0 {
		req.ExpiresAt = a.clock.Now().Add(opts.ExpiresIn)
	}

	share, err := a.service.CreateShare(ctx, a.principal, req)
	return share, a.done(err)
}

// ShareRemove revokes a share by id.
func (a *LockerApp) ShareRemove(ctx context.Context, shareID string) error {
	if err := a.begin(ctx, shareID); err != nil {
		return err
	}
	return a.done(a.service.RevokeShare(ctx, a.principal, shareID))
}

// ShareList lists the shares placed directly on the entry at remote.
func (a *LockerApp) ShareList(ctx context.Context, remote string) ([]*model.Share, error) {
	entry, err := a.service.Lookup(ctx, a.principal, remote)
	if err != nil {
		return nil, err
	}
	return a.service.ListShares(ctx, a.principal, entry.ID)
}

// Fsck checks the blob store is reachable, then reconciles reference counts
// and stored bytes.
func (a *LockerApp) Fsck(ctx context.Context, dryRun bool) (*locker.ReconcileReport, error) {
	if err := a.blobs.ValidateSetup(ctx); err != nil {
		return nil, fmt.Errorf("blob store unavailable: %w", err)
	}
	if !dryRun {
		if err := a.begin(ctx); err != nil {
			return nil, err
		}
	}
	report, err := a.service.Reconcile(ctx, locker.ReconcileOptions{
		OrphanGrace: a.cfg.Trash.OrphanGrace.Duration,
		DryRun:      dryRun,
	})
	return report, a.done(err)
}

// History returns the most recent audited operations.
func (a *LockerApp) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	return a.service.GetHistory(ctx, limit)
}

// AddUser registers a user.
func (a *LockerApp) AddUser(ctx context.Context, email, role string) (*model.User, error) {
	if err := a.begin(ctx, email, role); err != nil {
		return nil, err
	}
	user, err := a.service.RegisterUser(ctx, email, role)
	return user, a.done(err)
}

// KeysInit generates the encryption key pair.
func (a *LockerApp) KeysInit(passphrase string) error {
	if a.encryptor == nil {
		return fmt.Errorf("encryption is disabled in the config")
	}
	return a.encryptor.Setup(passphrase)
}

// BackupDatabase writes a consistent copy of a SQLite metadata database to dest.
func (a *LockerApp) BackupDatabase(dest string) error {
	return a.db.BackupTo(dest)
}

// Close finalizes the operation record and closes all resources.
func (a *LockerApp) Close() error {
	var errs []error

	if a.op != nil && a.op.Persisted() {
		if err := a.db.FinishOperation(context.Background(), a.op.ID, a.op.Status, a.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
