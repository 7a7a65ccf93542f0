// Package modelregistry resolves the client-facing model aliases accepted by
// the proxy into the canonical names and upstream identifiers Cloud Code
// expects, and classifies models by family and thinking behavior.
package modelregistry

import "strings"

// Family distinguishes the two upstream model lineages the proxy serves.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// Model is one entry in the static registry.
type Model struct {
	Canonical    string
	Family       Family
	IsThinking   bool
	UpstreamName string
}

// HaikuRemap is the canonical name substituted for claude-3-5-haiku requests,
// retained for client compatibility with tooling that still asks for haiku.
const HaikuRemap = "gemini-3-flash"

var models = []Model{
	{Canonical: "claude-opus-4-1", Family: FamilyClaude, IsThinking: true, UpstreamName: "claude-opus-4-1"},
	{Canonical: "claude-opus-4-5", Family: FamilyClaude, IsThinking: true, UpstreamName: "claude-opus-4-5"},
	{Canonical: "claude-sonnet-4-5", Family: FamilyClaude, IsThinking: false, UpstreamName: "claude-sonnet-4-5"},
	{Canonical: "claude-sonnet-4-5-thinking", Family: FamilyClaude, IsThinking: true, UpstreamName: "claude-sonnet-4-5"},
	{Canonical: "claude-3-5-haiku", Family: FamilyClaude, IsThinking: false, UpstreamName: "claude-3-5-haiku"},
	{Canonical: "gemini-3-pro", Family: FamilyGemini, IsThinking: true, UpstreamName: "gemini-3-pro"},
	{Canonical: "gemini-3-flash", Family: FamilyGemini, IsThinking: true, UpstreamName: "gemini-3-flash"},
	{Canonical: "gemini-2-flash", Family: FamilyGemini, IsThinking: false, UpstreamName: "gemini-2-flash"},
}

// aliases maps a client-facing shorthand to a canonical name. Lookups are
// case-insensitive.
var aliases = map[string]string{
	"opus":     "claude-opus-4-5",
	"sonnet":   "claude-sonnet-4-5",
	"haiku":    "claude-3-5-haiku",
	"flash":    "gemini-2-flash",
	"pro":      "gemini-3-pro",
	"3-flash":  "gemini-3-flash",
	"3-pro":    "gemini-3-pro",
	"thinking": "claude-sonnet-4-5-thinking",
}

var byCanonical = func() map[string]Model {
	m := make(map[string]Model, len(models))
	for _, mm := range models {
		m[mm.Canonical] = mm
	}
	return m
}()

// Resolve maps a user-supplied model string (alias, canonical name, or the
// claude-3-5-haiku compatibility name) to the Model that should be
// dispatched upstream. The second return value is the name that should be
// echoed back to the client in the response body, which differs from
// resolved.Canonical exactly for the haiku remap.
func Resolve(requested string) (resolved Model, clientFacingName string, ok bool) {
	name := strings.ToLower(strings.TrimSpace(requested))

	if canonical, isAlias := aliases[name]; isAlias {
		name = canonical
	}

	if name == "claude-3-5-haiku" {
		remap, found := byCanonical[HaikuRemap]
		if !found {
			return Model{}, "", false
		}
		return remap, "claude-3-5-haiku", true
	}

	m, found := byCanonical[name]
	if !found {
		return Model{}, "", false
	}
	return m, m.Canonical, true
}

// IsThinking reports whether a canonical model name must be treated as a
// thinking model: its name contains "thinking", or it is a Gemini-family
// model with a major version of 3 or greater.
func IsThinking(m Model) bool {
	if strings.Contains(m.Canonical, "thinking") {
		return true
	}
	if m.Family != FamilyGemini {
		return m.IsThinking
	}
	return geminiMajorVersionAtLeast3(m.Canonical) || m.IsThinking
}

func geminiMajorVersionAtLeast3(canonical string) bool {
	const prefix = "gemini-"
	if !strings.HasPrefix(canonical, prefix) {
		return false
	}
	rest := canonical[len(prefix):]
	cut := strings.IndexByte(rest, '-')
	if cut < 0 {
		cut = len(rest)
	}
	major := rest[:cut]
	// Only single or double digit majors are ever issued; reject anything
	// that isn't plain digits rather than pulling in strconv for one compare.
	if major == "" {
		return false
	}
	for _, r := range major {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(major) > 1 || major >= "3"
}

// List returns every model in the registry, ordered as declared, for the
// /v1/models surface.
func List() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// Fallback returns a same-family substitute for m, for use when every
// account is exhausted on the requested model and the scheduler has
// fallback substitution enabled. It prefers a non-thinking sibling, since
// that is the cheaper and more broadly available request shape.
func Fallback(m Model) (Model, bool) {
	var thinkingSibling *Model
	for i := range models {
		cand := models[i]
		if cand.Canonical == m.Canonical || cand.Family != m.Family {
			continue
		}
		if !IsThinking(cand) {
			return cand, true
		}
		if thinkingSibling == nil {
			thinkingSibling = &cand
		}
	}
	if thinkingSibling != nil {
		return *thinkingSibling, true
	}
	return Model{}, false
}
