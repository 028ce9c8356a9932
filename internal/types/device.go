package types

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// deviceKeyLen is the digest length of a derived device key in bytes.
// 16 bytes (32 hex chars) is ample for per-install uniqueness.
const deviceKeyLen = 16

// DeriveDeviceKey turns a raw hardware identifier into the stable hashed
// device key used everywhere in the engine. The raw identifier is keyed-hashed
// with a service-level salt and never stored or logged; only the derived key
// leaves this function.
func DeriveDeviceKey(rawHardwareID string, salt []byte) (string, error) {
	if rawHardwareID == "" {
		return "", NewAppError(ErrCodeValidationDeviceKey, "hardware identifier is empty", nil)
	}
	h, err := blake2b.New(deviceKeyLen, salt)
	if err != nil {
		return "", fmt.Errorf("initializing device key hash: %w", err)
	}
	h.Write([]byte(rawHardwareID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidDeviceKey reports whether s looks like a derived device key
// (lowercase hex of the expected length). Handlers use this to reject
// callers that pass raw hardware identifiers by mistake.
func ValidDeviceKey(s string) bool {
	if len(s) != deviceKeyLen*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
