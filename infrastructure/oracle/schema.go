package oracle

import "slices"

// Keywords strict structured-output modes reject. The constraints they carry
// are enforced by validation on the parsed reply instead.
var unsupportedSchemaKeywords = []string{
	"default",
	"format",
	"minimum",
	"maximum",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"multipleOf",
	"minLength",
	"maxLength",
	"minItems",
	"maxItems",
	"pattern",
}

// SanitizeSchema rewrites a JSON schema for strict structured output:
// unsupported keywords are dropped, every property is required, nullable
// fields become a union with "null", and objects forbid additional
// properties. The input is never mutated.
func SanitizeSchema(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return sanitizeNode(in)
}

func sanitizeNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if slices.Contains(unsupportedSchemaKeywords, k) {
			continue
		}
		out[k] = v
	}

	if nullable, _ := out["nullable"].(bool); nullable {
		delete(out, "nullable")
		out["type"] = nullableType(out["type"])
	} else {
		delete(out, "nullable")
	}

	if props, ok := out["properties"].(map[string]any); ok {
		clean := make(map[string]any, len(props))
		names := make([]string, 0, len(props))
		for name, p := range props {
			names = append(names, name)
			if pm, ok := p.(map[string]any); ok {
				clean[name] = sanitizeNode(pm)
			} else {
				clean[name] = p
			}
		}
		slices.Sort(names)
		out["properties"] = clean
		out["required"] = names
	}

	if isObjectType(out["type"]) {
		out["additionalProperties"] = false
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
			out["required"] = []string{}
		}
	}

	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = sanitizeNode(items)
	}

	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := out[key].(map[string]any); ok {
			clean := make(map[string]any, len(defs))
			for name, d := range defs {
				if dm, ok := d.(map[string]any); ok {
					clean[name] = sanitizeNode(dm)
				} else {
					clean[name] = d
				}
			}
			out[key] = clean
		}
	}

	if anyOf, ok := out["anyOf"].([]any); ok {
		clean := make([]any, len(anyOf))
		for i, a := range anyOf {
			if am, ok := a.(map[string]any); ok {
				clean[i] = sanitizeNode(am)
			} else {
				clean[i] = a
			}
		}
		out["anyOf"] = clean
	}

	return out
}

// nullableType turns a type keyword into a union that admits null.
func nullableType(t any) any {
	switch v := t.(type) {
	case string:
		if v == "null" {
			return v
		}
		return []any{v, "null"}
	case []any:
		if slices.Contains(v, any("null")) {
			return slices.Clone(v)
		}
		return append(slices.Clone(v), "null")
	case []string:
		out := make([]any, 0, len(v)+1)
		for _, s := range v {
			out = append(out, s)
		}
		if !slices.Contains(v, "null") {
			out = append(out, "null")
		}
		return out
	default:
		return t
	}
}

func isObjectType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "object"
	case []any:
		return slices.Contains(v, any("object"))
	case []string:
		return slices.Contains(v, "object")
	}
	return false
}
