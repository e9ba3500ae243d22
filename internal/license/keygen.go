package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// keyAlphabet is the 36-symbol set license keys are drawn from.
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 16
	keyGroup    = 4

	// Largest multiple of len(keyAlphabet) below 256; bytes at or above
	// this are rejected so every symbol is drawn uniformly.
	maxUnbiased = 252
)

// GenerateKey produces a random license key in the form XXXX-XXXX-XXXX-XXXX.
// Each of the 16 symbols is drawn independently and uniformly from A-Z0-9
// using crypto/rand; predictable keys would let an attacker guess valid
// licenses. Safe for concurrent use. Exhaustion of the system random source
// is unrecoverable and panics.
func GenerateKey() string {
	var b strings.Builder
	b.Grow(keyLength + keyLength/keyGroup - 1)

	written := 0
	buf := make([]byte, keyLength*2)
	for written < keyLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("license: crypto/rand unavailable: %v", err))
		}
		for _, c := range buf {
			if c >= maxUnbiased {
				continue
			}
			if written > 0 && written%keyGroup == 0 {
				b.WriteByte('-')
			}
			b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
			written++
			if written == keyLength {
				break
			}
		}
	}
	return b.String()
}
