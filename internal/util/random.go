package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// OutboxIDPrefix marks outbox message ids in logs and tables.
const OutboxIDPrefix = "outbox_"

// GenerateOutboxID returns a new outbox message id: the prefix plus a dashless
// random UUID.
func GenerateOutboxID() string {
	return OutboxIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateLockToken returns the owner token stored with a distributed lock.
// Release compares it, so it must be unguessable by other instances.
func GenerateLockToken() string {
	return RandomHex(16)
}

// RandomHex returns n cryptographically random bytes, hex encoded.
func RandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
