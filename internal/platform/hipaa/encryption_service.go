package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// EncryptionService seals connection credentials before they reach the
// database. It wraps a Sealer and adds a disabled mode for development
// environments where no key is configured.
type EncryptionService struct {
	sealer  *Sealer
	enabled bool
}

// NewEncryptionService creates a new encryption service.
//
// If key is empty, sealing is disabled and a warning is logged; values are
// stored as-is. Otherwise key must be a 64-character hex string encoding a
// 32-byte AES-256 key, and an invalid key is an error so the process refuses
// to start misconfigured.
func NewEncryptionService(key string, logger zerolog.Logger) (*EncryptionService, error) {
	if key == "" {
		logger.Warn().Msg("credential sealing disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &EncryptionService{}, nil
	}

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	sealer, err := NewSealer(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create sealer: %w", err)
	}

	logger.Info().Msg("credential sealing enabled")
	return &EncryptionService{sealer: sealer, enabled: true}, nil
}

// IsEnabled returns true if sealing is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}

// Seal encrypts value. Empty values and disabled mode return value unchanged.
func (s *EncryptionService) Seal(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	return s.sealer.Seal(value)
}

// Open decrypts a value written by Seal. Plaintext values pass through so
// rows stored before a key was configured stay readable. A sealed value
// with sealing disabled is an error: the key is missing.
func (s *EncryptionService) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if !s.enabled {
		return "", fmt.Errorf("value is sealed but HIPAA_ENCRYPTION_KEY is not set")
	}
	return s.sealer.Open(value)
}
