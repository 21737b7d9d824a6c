package locker

import "io"

// Encryptor encrypts blob bytes at rest.
// Encryption uses the public key only, so uploads never need a passphrase.
// Reading encrypted blobs back requires a DecryptionContext from Unlock.
type Encryptor interface {
	// Setup performs one-time key generation (`locker keys init`).
	// The private key is stored encrypted with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext for the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for one session.
type DecryptionContext interface {
	// Decrypt reads ciphertext from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
