package encryption

import (
	"fmt"

	"cbak-go/internal/cbak"
	"cbak-go/internal/config"
)

// NewEncryptorFromConfig creates a BlockEncryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (cbak.BlockEncryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
