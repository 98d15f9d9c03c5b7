package cbak

// BlockEncryptor seals block payloads before they reach a provider.
// Sealing needs only the public key; opening requires the passphrase.
type BlockEncryptor interface {
	// Setup generates a key pair, storing the private key encrypted with passphrase.
	Setup(passphrase string) error

	// Seal encrypts one block payload.
	Seal(plain []byte) ([]byte, error)

	// Unlock decrypts the private key and returns a BlockOpener for the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (BlockOpener, error)

	// IsConfigured reports whether the key files exist.
	IsConfigured() bool
}

// BlockOpener holds an unlocked private key in memory only.
type BlockOpener interface {
	// Open decrypts one sealed block payload.
	Open(sealed []byte) ([]byte, error)
}
