package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestNewCodeVerifierIsURLSafeAndRightLength(t *testing.T) {
	verifier, err := newCodeVerifier(32)
	assert.NilError(t, err)
	assert.Equal(t, len(verifier), 43)
	assert.Assert(t, !strings.ContainsAny(verifier, "+/="))
}

func TestNewCodeVerifierIsRandom(t *testing.T) {
	a, err := newCodeVerifier(32)
	assert.NilError(t, err)
	b, err := newCodeVerifier(32)
	assert.NilError(t, err)
	assert.Assert(t, a != b)
}

func TestCodeChallengeS256MatchesRFC7636(t *testing.T) {
	sum := sha256.Sum256([]byte("my-verifier"))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, codeChallengeS256("my-verifier"), want)
}

func TestCodeChallengeS256IsDeterministic(t *testing.T) {
	assert.Equal(t, codeChallengeS256("same-input"), codeChallengeS256("same-input"))
}
