package durable

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewHexID returns a fresh 24-hex document id. Ids are opaque tokens shaped
// like ObjectIDs so both tiers key documents identically.
func NewHexID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("durable: id generation failed: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
