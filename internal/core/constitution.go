package core

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// HashConstitution returns the content address of constitution text.
// Line endings and trailing whitespace are normalized first so the same text
// always hashes the same.
func HashConstitution(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, " \t\n")
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
