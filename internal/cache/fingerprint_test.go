package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a, err := Fingerprint(FingerprintInput{
		Model:     "claude-sonnet-4-5",
		Messages:  json.RawMessage(`[{"role":"user","content":"hi"}]`),
		MaxTokens: 64,
	})
	require.NoError(t, err)

	b, err := Fingerprint(FingerprintInput{
		MaxTokens: 64,
		Messages:  json.RawMessage(`[{"content":"hi","role":"user"}]`),
		Model:     "claude-sonnet-4-5",
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "reordering JSON object keys must not change the fingerprint")
}

func TestFingerprint_DifferentContentDiffers(t *testing.T) {
	a, _ := Fingerprint(FingerprintInput{Model: "x", Messages: json.RawMessage(`[]`), MaxTokens: 1})
	b, _ := Fingerprint(FingerprintInput{Model: "y", Messages: json.RawMessage(`[]`), MaxTokens: 1})
	assert.NotEqual(t, a, b)
}

func TestFingerprint_StreamFlagNotPartOfInput(t *testing.T) {
	// FingerprintInput has no Stream field at all, so there is no way for
	// a caller to vary the fingerprint by it; this test documents that
	// invariant by construction.
	input := FingerprintInput{Model: "x", Messages: json.RawMessage(`[]`), MaxTokens: 1}
	a, _ := Fingerprint(input)
	b, _ := Fingerprint(input)
	assert.Equal(t, a, b)
}
