package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"locker-go/internal/config"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "locker.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "locker.key"),
	}
	return NewAgeEncryptor(cfg)
}

func TestAgeEncryptor_BeforeSetup(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if e.IsConfigured() {
		t.Error("IsConfigured() = true before Setup")
	}
	if err := e.Encrypt(strings.NewReader("blob"), &bytes.Buffer{}); err == nil {
		t.Error("Encrypt() before Setup should fail")
	}
	if _, err := e.Unlock("pw"); err == nil {
		t.Error("Unlock() before Setup should fail")
	}
}

func TestAgeEncryptor_SetupWritesKeys(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup")
	}

	info, err := os.Stat(e.privateKeyPath)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}
	sealed, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("AGE-SECRET-KEY")) {
		t.Error("private key is stored in the clear")
	}
	pub, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(pub, []byte("age1")) {
		t.Errorf("public key = %q, want an age1 recipient", pub)
	}
}

func TestAgeEncryptor_BlobRoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	dc, err := e.Unlock("pw")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	sizes := map[string]int{
		"zero-byte blob":        0,
		"single byte":           1,
		"one age chunk":         64 * 1024,
		"across a chunk border": 64*1024 + 1,
		"several chunks":        1 << 20,
	}
	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			plain := bytes.Repeat([]byte{0x5a}, size)

			var first, second bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(plain), &first); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if err := e.Encrypt(bytes.NewReader(plain), &second); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(first.Bytes(), second.Bytes()) {
				t.Error("two encryptions of one blob produced identical ciphertext")
			}
			if first.Len() <= size {
				t.Errorf("ciphertext is %d bytes, want more than the %d byte plaintext", first.Len(), size)
			}

			var out bytes.Buffer
			if err := dc.Decrypt(&first, &out); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(out.Bytes(), plain) {
				t.Errorf("Decrypt() returned %d bytes, want %d", out.Len(), size)
			}
		})
	}
}

func TestAgeEncryptor_WrongKeys(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("right"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("wrong"); err == nil {
		t.Error("Unlock() with the wrong passphrase should fail")
	}

	other := newTestAgeEncryptor(t)
	if err := other.Setup("right"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	otherKey, err := other.Unlock("right")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	var blob bytes.Buffer
	if err := e.Encrypt(strings.NewReader("secret"), &blob); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if err := otherKey.Decrypt(&blob, &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() with another store's key should fail")
	}
}

func TestAgeEncryptor_SetupRefusesOverwrite(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("first"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := e.Setup("second"); !errors.Is(err, ErrKeysExist) {
		t.Fatalf("Setup() error = %v, want ErrKeysExist", err)
	}
	if _, err := e.Unlock("first"); err != nil {
		t.Errorf("Unlock() with original passphrase error = %v", err)
	}
}

func TestAgeEncryptor_EmptyPassphrase(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup(""); err == nil {
		t.Error("Setup(\"\") should return error")
	}
	if e.IsConfigured() {
		t.Error("IsConfigured() = true after failed Setup")
	}
}

func TestAgeEncryptor_FreshInstanceReadsKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "locker.pub"),
		PrivateKeyPath: filepath.Join(dir, "locker.key"),
	}
	if err := NewAgeEncryptor(cfg).Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	e := NewAgeEncryptor(cfg)
	var enc bytes.Buffer
	if err := e.Encrypt(bytes.NewReader([]byte("payload")), &enc); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	dc, err := e.Unlock("pw")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var out bytes.Buffer
	if err := dc.Decrypt(&enc, &out); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if out.String() != "payload" {
		t.Errorf("Decrypt() = %q, want %q", out.String(), "payload")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ     string
		wantNil bool
		wantErr bool
	}{
		{typ: "", wantNil: true},
		{typ: "none", wantNil: true},
		{typ: "age"},
		{typ: "test"},
		{typ: "rot13", wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run("type "+tt.typ, func(t *testing.T) {
			enc, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: tt.typ})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (enc == nil) != tt.wantNil {
				t.Errorf("NewEncryptorFromConfig() = %v, wantNil %v", enc, tt.wantNil)
			}
		})
	}
}
