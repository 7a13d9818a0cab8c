package core

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxIdentityLength = 32

var (
	mentionRe  = regexp.MustCompile(`@([a-z][a-z0-9]*(?:[-_.][a-z0-9]+)*)`)
	identityRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:[-_.][a-z0-9]+)*$`)
)

// ExtractMentions returns the de-duplicated mention targets in body, in order
// of first appearance and without the @ prefix. Email-like tokens are skipped.
func ExtractMentions(body string) []string {
	matches := mentionRe.FindAllStringSubmatchIndex(body, -1)
	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) < 4 {
			continue
		}
		start := match[0]
		if start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(body[:start])
			if isAlphaNum(prev) {
				continue
			}
		}

		name := body[match[2]:match[3]]
		if len(name) > maxIdentityLength {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}

	return mentions
}

// ValidateIdentity checks the identity format.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return NewValidationError("identity is required")
	}
	if len(identity) > maxIdentityLength {
		return NewValidationError("identity %q is longer than %d characters", identity, maxIdentityLength)
	}
	if !identityRe.MatchString(identity) {
		return NewValidationError("invalid identity %q: use lowercase letters, digits and -_. separators", identity)
	}
	return nil
}

// NormalizeIdentity strips a leading @ and lowercases.
func NormalizeIdentity(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "@")
	return strings.ToLower(value)
}

func isAlphaNum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var channelNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateChannelName checks the channel name format.
func ValidateChannelName(name string) error {
	if name == "" {
		return NewValidationError("channel name is required")
	}
	if len(name) > 64 {
		return NewValidationError("channel name %q is longer than 64 characters", name)
	}
	if !channelNameRe.MatchString(name) {
		return NewValidationError("invalid channel name %q: use lowercase letters, digits and ._- separators", name)
	}
	return nil
}
