package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// itemIDPattern is the allowed syntax for store-local item ids.
var itemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewID returns a fresh item id.
func NewID() string {
	return uuid.New().String()
}

// NewToken returns a high-entropy opaque access token.
func NewToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsValidItemID reports whether id matches the local id syntax.
func IsValidItemID(id string) bool {
	return itemIDPattern.MatchString(id)
}
