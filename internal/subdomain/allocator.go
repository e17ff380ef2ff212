// Package subdomain allocates opaque, collision-checked tunnel identifiers.
package subdomain

import (
	"crypto/rand"
	"fmt"
)

const (
	// Length is the fixed length of an allocated subdomain, per spec.md
	// §3's recommendation of 12 lowercase-alphanumeric characters.
	Length = 12

	alphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxRetries = 64
)

// Exists reports whether a subdomain is already live in the registry. The
// allocator calls this to reject collisions and retry, per spec.md §4.2.
type Exists func(subdomain string) bool

// New draws a fresh subdomain, retrying on collision against exists. It
// returns an error only if maxRetries collisions occur in a row, which at
// [Length] characters indicates a caller-supplied exists that is always
// true rather than genuine exhaustion of the identifier space.
func New(exists Exists) (string, error) {
	for i := 0; i < maxRetries; i++ {
		candidate, err := random(Length)
		if err != nil {
			return "", fmt.Errorf("subdomain: %w", err)
		}
		if exists == nil || !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("subdomain: exhausted %d allocation attempts", maxRetries)
}

func random(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
