// Package cache implements the bounded, TTL'd, fingerprinted response
// cache for non-streaming, non-thinking-model requests.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintFields is the exact field set the fingerprint is computed
// over, matching the cache-entry invariant.
type fingerprintFields struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      json.RawMessage `json:"messages"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

// Fingerprint computes a deterministic hash over the canonical JSON of the
// cache-eligible request fields. Canonicalization sorts object keys and
// strips insignificant whitespace; field order, key order in the source
// JSON, and the `stream` flag never affect the result (stream is excluded
// from the fingerprinted field set entirely, since only non-streaming
// responses are cacheable).
func Fingerprint(fields FingerprintInput) (string, error) {
	ff := fingerprintFields{
		Model:         fields.Model,
		System:        fields.System,
		Messages:      fields.Messages,
		Tools:         fields.Tools,
		ToolChoice:    fields.ToolChoice,
		MaxTokens:     fields.MaxTokens,
		Temperature:   fields.Temperature,
		TopP:          fields.TopP,
		TopK:          fields.TopK,
		StopSequences: fields.StopSequences,
		Thinking:      fields.Thinking,
	}

	marshaled, err := json.Marshal(ff)
	if err != nil {
		return "", err
	}

	var generic interface{}
	if err := json.Unmarshal(marshaled, &generic); err != nil {
		return "", err
	}
	canonical, err := canonicalize(generic)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintInput bundles the cache-key-relevant request fields, keeping
// the fingerprint function decoupled from the anthropic.Request wire type.
type FingerprintInput struct {
	Model         string
	System        json.RawMessage
	Messages      json.RawMessage
	Tools         json.RawMessage
	ToolChoice    json.RawMessage
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Thinking      json.RawMessage
}

// canonicalize re-marshals v with object keys sorted, recursively, so
// semantically identical JSON with differently-ordered keys produces byte-
// identical output.
func canonicalize(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, _ := json.Marshal(k)
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil

	case []interface{}:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		out = append(out, ']')
		return out, nil

	default:
		return json.Marshal(v)
	}
}
