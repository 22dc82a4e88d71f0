// Package flag implements keyed generation and constant-time validation of
// per-session flags. Flags are HMAC-SHA256 digests over the session identity,
// so they can be recomputed on demand and never need to be stored.
package flag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// digestLen is the number of hex characters kept from the digest, matching
// the usual flag{16-hex} CTF format.
const digestLen = 16

var flagFormat = regexp.MustCompile(`^flag\{[0-9a-f]{16}\}$`)

// System generates and validates flags with a process-wide secret key.
type System struct {
	secret []byte
}

func NewSystem(secret string) *System {
	return &System{secret: []byte(secret)}
}

// Generate computes the flag for a (challenge, user, spawn timestamp) triple.
// Identical inputs always yield the identical flag; any differing input
// yields a different flag.
func (s *System) Generate(challengeID, userID string, spawnedAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", challengeID, userID, spawnedAt)
	digest := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("flag{%s}", digest[:digestLen])
}

// Validate reports whether submitted is the flag Generate would produce for
// the same inputs. The comparison is constant-time; a malformed submission
// fails the format check before any digest work.
func (s *System) Validate(submitted, challengeID, userID string, spawnedAt int64) bool {
	if !flagFormat.MatchString(submitted) {
		return false
	}
	expected := s.Generate(challengeID, userID, spawnedAt)
	return hmac.Equal([]byte(submitted), []byte(expected))
}
