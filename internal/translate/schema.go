package translate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// keepFormats lists the JSON Schema "format" values Cloud Code accepts;
// any other format value is stripped.
var keepFormats = map[string]bool{
	"enum":      true,
	"date-time": true,
}

// SanitizeSchema recursively strips JSON Schema constructs Cloud Code's
// function-declaration parser does not accept. It is deterministic and
// idempotent: running it twice produces the same output as running it once.
func SanitizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	if root, isObj := v.(map[string]interface{}); isObj {
		if resolved, ok := resolveRefs(root, root, map[string]bool{}); ok {
			v = resolved
		}
	}
	cleaned := sanitizeValue(v)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return raw
	}
	return out
}

// resolveRefs inlines every "$ref" pointer against root's "$defs"/
// "definitions" map, recursively, so that nothing downstream ever sees a
// literal $ref. A ref that can't be resolved (external, missing, or
// circular) reports ok=false to its caller, which drops the containing
// property rather than passing through an unconstrained schema.
func resolveRefs(v interface{}, root map[string]interface{}, seen map[string]bool) (interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		if ref, isRef := t["$ref"].(string); isRef {
			if seen[ref] {
				return nil, false
			}
			target, ok := lookupRef(root, ref)
			if !ok {
				return nil, false
			}
			nextSeen := make(map[string]bool, len(seen)+1)
			for k := range seen {
				nextSeen[k] = true
			}
			nextSeen[ref] = true
			return resolveRefs(target, root, nextSeen)
		}

		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if k == "$defs" || k == "definitions" {
				continue
			}
			resolved, ok := resolveRefs(val, root, seen)
			if !ok {
				continue
			}
			out[k] = resolved
		}
		if req, hasReq := out["required"].([]interface{}); hasReq {
			if props, hasProps := out["properties"].(map[string]interface{}); hasProps {
				filtered := make([]interface{}, 0, len(req))
				for _, r := range req {
					if name, isStr := r.(string); isStr {
						if _, exists := props[name]; exists {
							filtered = append(filtered, r)
						}
					}
				}
				out["required"] = filtered
			}
		}
		return out, true

	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if resolved, ok := resolveRefs(item, root, seen); ok {
				out = append(out, resolved)
			}
		}
		return out, true

	default:
		return v, true
	}
}

// lookupRef resolves a local JSON Pointer ref ("#/$defs/Foo") against root.
// Refs into other documents are not supported and report ok=false.
func lookupRef(root map[string]interface{}, ref string) (interface{}, bool) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, false
	}
	var cur interface{} = root
	for _, tok := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		m, isObj := cur.(map[string]interface{})
		if !isObj {
			return nil, false
		}
		next, ok := m[tok]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return sanitizeObject(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

var droppedKeys = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"additionalProperties": true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
	"patternProperties":    true,
	"additionalItems":      true,
	"contains":             true,
	"propertyNames":        true,
	"if":                   true,
	"then":                 true,
	"else":                 true,
	"not":                  true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
}

func sanitizeObject(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))

	// exclusiveMinimum/exclusiveMaximum are converted to inclusive bounds
	// rather than simply dropped, matching the sibling proxy's behavior of
	// widening by one rather than silently discarding the constraint.
	if v, ok := obj["exclusiveMinimum"]; ok {
		if n, isNum := v.(float64); isNum {
			out["minimum"] = n + 1
		}
	}
	if v, ok := obj["exclusiveMaximum"]; ok {
		if n, isNum := v.(float64); isNum {
			out["maximum"] = n - 1
		}
	}

	for k, v := range obj {
		if droppedKeys[k] {
			continue
		}
		if k == "format" {
			if s, isStr := v.(string); isStr && !keepFormats[s] {
				continue
			}
			out[k] = v
			continue
		}
		switch k {
		case "anyOf", "oneOf":
			out["anyOf"] = sanitizeValue(v)
		case "allOf":
			// allOf has no upstream equivalent; each member schema's
			// keywords are copied into the parent where the parent does not
			// set that keyword itself (earlier members win). Nothing is
			// merged deeply: a member's properties are dropped when the
			// parent has its own properties.
			if members, isArr := v.([]interface{}); isArr {
				for _, m := range members {
					if mm, isObj := m.(map[string]interface{}); isObj {
						merged := sanitizeObject(mm)
						for mk, mv := range merged {
							if _, exists := out[mk]; !exists {
								out[mk] = mv
							}
						}
					}
				}
			}
		default:
			out[k] = sanitizeValue(v)
		}
	}
	return out
}

var toolNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const maxToolNameLength = 64

// CleanToolName restricts a tool name to the character set and length Cloud
// Code's function-declaration name field enforces.
func CleanToolName(name string) string {
	cleaned := toolNameDisallowed.ReplaceAllString(name, "_")
	if len(cleaned) > maxToolNameLength {
		cleaned = cleaned[:maxToolNameLength]
	}
	return cleaned
}
