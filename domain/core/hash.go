package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a hex-encoded SHA-256 digest
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Short truncates the hash to n hex characters
func (h Hash) Short(n int) string {
	if n <= 0 || n >= len(h) {
		return string(h)
	}
	return string(h[:n])
}

// ComputeFingerprint hashes a field map as sorted `key:value` pairs joined by `|`
func ComputeFingerprint(fields map[string]interface{}) Hash {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for i, key := range keys {
		if i > 0 {
			data.WriteString("|")
		}
		data.WriteString(key)
		data.WriteString(":")
		data.WriteString(fmt.Sprintf("%v", fields[key]))
	}

	return NewHash([]byte(data.String()))
}
