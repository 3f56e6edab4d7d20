package core

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	guidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	guidLength   = 8
)

// GenerateGUID creates a short GUID with the provided prefix.
func GenerateGUID(prefix string) (string, error) {
	normalized := strings.TrimSuffix(prefix, "-")

	buf := make([]byte, guidLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate guid: %w", err)
	}

	id := make([]byte, guidLength)
	for i := 0; i < guidLength; i++ {
		id[i] = guidAlphabet[int(buf[i])%len(guidAlphabet)]
	}

	return fmt.Sprintf("%s-%s", normalized, string(id)), nil
}

// ShortID trims a prefixed GUID or UUID for table display.
func ShortID(id string, length int) string {
	base := id
	if i := strings.IndexByte(base, '-'); i > 0 && i <= 4 {
		base = base[i+1:]
	}
	if length <= 0 || length >= len(base) {
		return base
	}
	return base[:length]
}
