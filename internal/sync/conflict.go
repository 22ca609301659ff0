package sync

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Diverged reports whether the source payload and the provider's copy differ
// on any field the provider holds. Numeric values compare by value.
func Diverged(source, remote map[string]any) bool {
	if remote == nil {
		return true
	}
	projected := make(map[string]any, len(remote))
	for k := range remote {
		projected[k] = source[k]
	}
	a, err := PayloadHash(projected)
	if err != nil {
		return true
	}
	b, err := PayloadHash(remote)
	if err != nil {
		return true
	}
	return a != b
}

// PayloadHash is a stable fingerprint of a payload. encoding/json sorts map
// keys, so equal maps hash equally.
func PayloadHash(data map[string]any) (string, error) {
	norm := make(map[string]any, len(data))
	for k, v := range data {
		if f, ok := toFloat(v); ok {
			norm[k] = f
			continue
		}
		if b, ok := v.([]byte); ok {
			norm[k] = string(b)
			continue
		}
		norm[k] = v
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}
