// Package token produces the unguessable identifiers embedded in magic
// links. Tokens are 96 bytes from the system CSPRNG encoded as unpadded
// URL-safe base64, which always yields exactly TokenLength characters.
package token

import (
	"crypto/rand"
	"encoding/base64"
)

const rawBytes = 96

// TokenLength is the exact length of every generated token. Callers
// validate submitted tokens against this before touching storage.
const TokenLength = 128

// New draws fresh randomness on every call; raw bytes are never cached or
// reused. Entropy-source failure is fatal: the process cannot safely hand
// out guessable links.
func New() string {
	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("token: entropy source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Valid reports whether value has the shape of a generated token.
func Valid(value string) bool {
	if len(value) != TokenLength {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
