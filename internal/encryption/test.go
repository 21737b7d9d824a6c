package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"locker-go/internal/locker"
)

// testMagic starts every TestEncryptor ciphertext.
var testMagic = []byte("LKTEST\x00\x01")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It writes a
// magic header and then every byte XORed with 0x5a, so ciphertext differs
// from plaintext (and hashes differently) without any real cryptography.
// It is selected with encryption type "test" and must never guard real data.
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string
	configured bool
}

var _ locker.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor returns a TestEncryptor that accepts any passphrase until
// Setup records one.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.configured {
		return ErrKeysExist
	}
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, xorReader{bufio.NewReader(r)}); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (locker.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.configured && passphrase != e.passphrase {
		return nil, fmt.Errorf("decrypting private key: incorrect passphrase")
	}
	return &TestDecryptionContext{}, nil
}

// IsConfigured always reports true so tests can encrypt without Setup.
func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ locker.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, testMagic) {
		return fmt.Errorf("invalid ciphertext header")
	}
	if _, err := io.Copy(w, xorReader{r}); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}

type xorReader struct {
	r io.Reader
}

func (x xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := range p[:n] {
		p[i] ^= 0x5a
	}
	return n, err
}
