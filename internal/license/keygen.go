package license

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// keyPattern matches the canonical key shape: four uppercase alphanumeric
// groups of four characters joined by hyphens, 19 characters total.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// GenerateKey produces a human-readable license key of the form
// XXXX-XXXX-XXXX-XXXX. The raw material is 16 bytes of crypto/rand output
// encoded as URL-safe base64, uppercased, with the base64 separator
// characters removed before re-segmenting. Uniqueness is probabilistic;
// the storage layer carries a unique index as the backstop.
func GenerateKey() (string, error) {
	var token string
	for token == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random key material: %w", err)
		}

		t := base64.RawURLEncoding.EncodeToString(buf)
		t = strings.ToUpper(t)
		t = strings.ReplaceAll(t, "-", "")
		t = strings.ReplaceAll(t, "_", "")
		// Stripping separators from the 22-character encoding almost never
		// sheds more than a handful of characters; redraw if it somehow does.
		if len(t) >= 16 {
			token = t
		}
	}

	groups := make([]string, 0, 4)
	for i := 0; i < 16; i += 4 {
		groups = append(groups, token[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}

// ValidKeyFormat reports whether s is a well-formed license key.
// Keys are compared verbatim; no case folding or dash stripping is applied.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}
