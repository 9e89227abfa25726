package lockstore

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	ownerIDBytes = 16
)

// NewOwnerID creates a random owner id for callers without an identity of their own.
func NewOwnerID() (string, error) {
	randomBytes := make([]byte, ownerIDBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(randomBytes), nil
}
