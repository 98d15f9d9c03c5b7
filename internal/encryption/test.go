package encryption

import (
	"bytes"
	"fmt"

	"cbak-go/internal/cbak"
)

// testHeader is prepended by TestEncryptor so sealed blocks differ from
// plaintext while staying deterministic and reversible.
var testHeader = []byte("CBAKENC\x00")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It needs no keys.
type TestEncryptor struct {
	setupCalled bool
}

var _ cbak.BlockEncryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plain))
	out = append(out, testHeader...)
	return append(out, plain...), nil
}

func (e *TestEncryptor) Unlock(string) (cbak.BlockOpener, error) {
	return TestOpener{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

// TestOpener strips the header added by TestEncryptor.
type TestOpener struct{}

func (TestOpener) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return bytes.Clone(sealed[len(testHeader):]), nil
}
