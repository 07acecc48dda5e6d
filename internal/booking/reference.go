package booking

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

const (
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceLength   = 12
	manageTokenBytes  = 32
)

// ReferenceGenerator mints booking reference candidates.
type ReferenceGenerator func() (string, error)

// RandomReference returns 12 characters drawn uniformly from [A-Z0-9].
func RandomReference() (string, error) {
	size := big.NewInt(int64(len(referenceAlphabet)))
	var b strings.Builder
	b.Grow(referenceLength)
	for i := 0; i < referenceLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("random reference: %w", err)
		}
		b.WriteByte(referenceAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// newManageToken returns 64 hex characters from 32 random bytes.
func newManageToken() (string, error) {
	buf := make([]byte, manageTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NormalizeReference upper-cases and drops everything but letters and digits.
func NormalizeReference(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(ref) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail trims, lower-cases and strips inner whitespace.
func NormalizeEmail(email string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, email)
}
