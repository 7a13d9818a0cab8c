package core

import (
	"crypto/rand"
	"fmt"
)

const (
	guidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	guidLength   = 8
	markerLength = 10
)

// GenerateGUID creates a short GUID with the provided prefix.
func GenerateGUID(prefix string) (string, error) {
	normalized := prefix
	if len(normalized) > 0 && normalized[len(normalized)-1] == '-' {
		normalized = normalized[:len(normalized)-1]
	}

	id, err := randomToken(guidLength)
	if err != nil {
		return "", fmt.Errorf("generate guid: %w", err)
	}
	return fmt.Sprintf("%s-%s", normalized, id), nil
}

// GenerateMarker creates the short correlation token embedded in a spawn's
// first prompt.
func GenerateMarker() (string, error) {
	token, err := randomToken(markerLength)
	if err != nil {
		return "", fmt.Errorf("generate marker: %w", err)
	}
	return "mm" + token, nil
}

// FormatMarker renders the marker the way it appears in prompts.
func FormatMarker(marker string) string {
	return "[murmur:" + marker + "]"
}

// ShortID truncates an id for display and error messages.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func randomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := make([]byte, length)
	for i := 0; i < length; i++ {
		id[i] = guidAlphabet[int(buf[i])%len(guidAlphabet)]
	}
	return string(id), nil
}
