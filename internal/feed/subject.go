package feed

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// SubjectRoot is the first token of every event subject.
const SubjectRoot = "events"

const maxSubjectToken = 255

// Subject returns the transport subject for an event name. Names that are
// too long or contain characters outside [A-Za-z0-9_-] are replaced by a
// blake3 digest so they form exactly one subject token.
func Subject(eventName string) string {
	return SubjectRoot + "." + Token(eventName)
}

// SubjectPattern matches every event subject.
func SubjectPattern() string {
	return SubjectRoot + ".>"
}

// Token is the single subject token for an event name.
func Token(name string) string {
	if name != "" && len(name) <= maxSubjectToken && safeToken(name) {
		return name
	}
	sum := blake3.Sum256([]byte(name))
	return "h" + hex.EncodeToString(sum[:16])
}

func safeToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
