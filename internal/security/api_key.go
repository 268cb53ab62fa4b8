package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// apiKeyPrefix is the prefix used for generated API keys.
const apiKeyPrefix = "sk-"

// GenerateAPIKey creates a new random API key string.
func GenerateAPIKey() (token string, err error) {
	secret := make([]byte, 24)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(secret), nil
}
