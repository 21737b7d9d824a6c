package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"

	"locker-go/internal/locker"
)

// sniffLen is how many leading plaintext bytes are kept for MIME detection.
const sniffLen = 3072

// Options configures a StagingArea.
type Options struct {
	// Hash is "sha256" (default) or "blake3".
	Hash string

	// Encryptor, if set, encrypts bytes on their way into staging. The
	// content hash is always computed over the plaintext.
	Encryptor locker.Encryptor
}

// StagingArea implements locker.StagingArea on a pluggable stagingStore.
// It is safe for concurrent use; concurrent ingests share the size budget.
type StagingArea struct {
	store     stagingStore
	maxSize   int64
	newHash   func() hash.Hash
	encryptor locker.Encryptor

	mu   sync.Mutex
	used int64
}

var _ locker.StagingArea = (*StagingArea)(nil)

func newStagingArea(store stagingStore, maxSize int64, opts Options) (*StagingArea, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("staging max size must be positive, got %d", maxSize)
	}
	newHash, err := hashFunc(opts.Hash)
	if err != nil {
		return nil, err
	}
	return &StagingArea{
		store:     store,
		maxSize:   maxSize,
		newHash:   newHash,
		encryptor: opts.Encryptor,
	}, nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "", "sha256":
		return sha256.New, nil
	case "blake3":
		return func() hash.Hash { return blake3.New() }, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %s", name)
	}
}

// Ingest streams r into a new staging slot while hashing the plaintext,
// sniffing its MIME type and, if configured, encrypting it. On any error
// the slot is removed and its reservation released before returning.
func (s *StagingArea) Ingest(ctx context.Context, r io.Reader) (locker.StagedContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, &locker.IngestError{Op: "start", Err: err}
	}

	sl, err := s.store.Create()
	if err != nil {
		return nil, &locker.IngestError{Op: "create", Err: err}
	}

	hasher := s.newHash()
	sniff := &prefixWriter{limit: sniffLen}
	plain := &countingWriter{}
	src := io.TeeReader(&ctxReader{ctx: ctx, r: r}, io.MultiWriter(hasher, sniff, plain))
	dst := &quotaWriter{area: s, w: sl}

	fail := func(op string, err error) (locker.StagedContent, error) {
		sl.Close()
		sl.Remove()
		s.release(dst.reserved)
		return nil, &locker.IngestError{Op: op, Err: err}
	}

	if s.encryptor != nil {
		err = s.encryptor.Encrypt(src, dst)
	} else {
		_, err = io.Copy(dst, src)
	}
	if err != nil {
		return fail("stage", err)
	}
	if err := sl.Close(); err != nil {
		return fail("close", err)
	}

	return &stagedContent{
		area:       s,
		slot:       sl,
		hash:       hex.EncodeToString(hasher.Sum(nil)),
		size:       plain.n,
		storedSize: dst.reserved,
		encrypted:  s.encryptor != nil,
		mimeType:   mimetype.Detect(sniff.buf).String(),
	}, nil
}

// Size returns the number of bytes currently staged.
func (s *StagingArea) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Cleanup removes staging files abandoned by a crashed process.
func (s *StagingArea) Cleanup() error {
	return s.store.Cleanup()
}

func (s *StagingArea) reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n > s.maxSize {
		return fmt.Errorf("%w: %d of %d bytes in use", locker.ErrStagingFull, s.used, s.maxSize)
	}
	s.used += n
	return nil
}

func (s *StagingArea) release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= n
}

// stagedContent implements locker.StagedContent.
type stagedContent struct {
	area       *StagingArea
	slot       slot
	hash       string
	size       int64
	storedSize int64
	encrypted  bool
	mimeType   string

	once       sync.Once
	discardErr error
}

func (c *stagedContent) Hash() string      { return c.hash }
func (c *stagedContent) Size() int64       { return c.size }
func (c *stagedContent) StoredSize() int64 { return c.storedSize }
func (c *stagedContent) Encrypted() bool   { return c.encrypted }
func (c *stagedContent) MimeType() string  { return c.mimeType }
func (c *stagedContent) Path() string      { return c.slot.Path() }

func (c *stagedContent) Open() (io.ReadCloser, error) {
	return c.slot.Open()
}

// Discard removes the staged bytes and returns their space to the budget.
func (c *stagedContent) Discard() error {
	c.once.Do(func() {
		c.discardErr = c.slot.Remove()
		c.area.release(c.storedSize)
	})
	return c.discardErr
}
