package flag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	sys := NewSystem("testsecret")

	first := sys.Generate("web-xss-basic", "u1", 1700000000)
	second := sys.Generate("web-xss-basic", "u1", 1700000000)
	assert.Equal(t, first, second)
}

func TestGenerate_Format(t *testing.T) {
	sys := NewSystem("testsecret")

	f := sys.Generate("web-xss-basic", "u1", 1700000000)
	assert.Regexp(t, `^flag\{[0-9a-f]{16}\}$`, f)
}

func TestGenerate_DifferentInputsDifferentFlags(t *testing.T) {
	sys := NewSystem("testsecret")
	base := sys.Generate("web-xss-basic", "u1", 1700000000)

	assert.NotEqual(t, base, sys.Generate("web-xss-basic", "u1", 1700000001), "different timestamp")
	assert.NotEqual(t, base, sys.Generate("web-xss-basic", "u2", 1700000000), "different user")
	assert.NotEqual(t, base, sys.Generate("sqli-login", "u1", 1700000000), "different challenge")
}

func TestGenerate_DifferentSecretsDifferentFlags(t *testing.T) {
	a := NewSystem("secret-a")
	b := NewSystem("secret-b")

	assert.NotEqual(t,
		a.Generate("web-xss-basic", "u1", 1700000000),
		b.Generate("web-xss-basic", "u1", 1700000000))
}

func TestValidate_RoundTrip(t *testing.T) {
	sys := NewSystem("testsecret")

	cases := []struct {
		challengeID string
		userID      string
		spawnedAt   int64
	}{
		{"web-xss-basic", "u1", 1700000000},
		{"sqli-login", "user-with-dashes", 0},
		{"path-traversal", "u1", 9999999999},
	}
	for _, tc := range cases {
		f := sys.Generate(tc.challengeID, tc.userID, tc.spawnedAt)
		require.True(t, sys.Validate(f, tc.challengeID, tc.userID, tc.spawnedAt),
			"round-trip failed for %s/%s", tc.challengeID, tc.userID)
	}
}

func TestValidate_RejectsWrongInputs(t *testing.T) {
	sys := NewSystem("testsecret")
	f := sys.Generate("web-xss-basic", "u1", 1700000000)

	assert.False(t, sys.Validate(f, "web-xss-basic", "u1", 1700000001))
	assert.False(t, sys.Validate(f, "web-xss-basic", "u2", 1700000000))
	assert.False(t, sys.Validate(f, "sqli-login", "u1", 1700000000))
}

func TestValidate_RejectsMalformed(t *testing.T) {
	sys := NewSystem("testsecret")

	for _, bad := range []string{
		"",
		"flag{}",
		"flag{tooshort}",
		"flag{0123456789abcdef0}",           // too long
		"flag{0123456789ABCDEF}",            // uppercase
		"FLAG{0123456789abcdef}",            // wrong prefix case
		"0123456789abcdef",                  // no wrapper
		"flag{0123456789abcdef} ",           // trailing garbage
		"prefixflag{0123456789abcdef}",      // leading garbage
	} {
		assert.False(t, sys.Validate(bad, "web-xss-basic", "u1", 1700000000), "accepted %q", bad)
	}
}

func TestValidate_RejectsForgedFlag(t *testing.T) {
	sys := NewSystem("testsecret")
	forged := NewSystem("guessed-secret").Generate("web-xss-basic", "u1", 1700000000)

	assert.False(t, sys.Validate(forged, "web-xss-basic", "u1", 1700000000))
}
