package recon

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// stripCodeFence removes a surrounding ``` block, with or without a
// language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// GenerateSchema creates a JSON Schema for the type of value.
func GenerateSchema(value any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// FactSchema is the JSON Schema of a single RawFact.
func FactSchema() *jsonschema.Schema {
	s := GenerateSchema(common.RawFact{})
	s.Title = "RawFact"
	s.Description = "A single observation about an entity delivered by reconnaissance"
	return s
}

// UnmarshalFlexible unmarshals JSON into out, falling back to double-encoded
// strings and finally to a repaired version of the input.
//
//	UnmarshalFlexible(`{"entity_id": "EIN:1"}`, &f)        // standard JSON
//	UnmarshalFlexible(`"{\"entity_id\": \"EIN:1\"}"`, &f)  // double-encoded
//	UnmarshalFlexible(`{entity_id: 'EIN:1',}`, &f)          // repaired
func UnmarshalFlexible(input string, out any) error {
	input = stripCodeFence(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, truncate(input, 200))
	}

	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("unmarshal failed after repair: %w (repaired: %s)", err, truncate(repaired, 200))
	}
	return nil
}

// ParseFacts reads facts from a loosely formed JSON document. It accepts an
// array of facts, a single fact, or an object with a "facts" array. Items
// that do not decode into a fact are logged and skipped.
func ParseFacts(raw string) ([]common.RawFact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var generic any
	if err := UnmarshalFlexible(raw, &generic); err != nil {
		return nil, err
	}

	switch v := generic.(type) {
	case []any:
		return decodeFacts(v), nil
	case map[string]any:
		if inner, ok := v["facts"].([]any); ok {
			return decodeFacts(inner), nil
		}
		return decodeFacts([]any{v}), nil
	case string:
		if inner := strings.TrimSpace(v); strings.HasPrefix(inner, "[") || strings.HasPrefix(inner, "{") {
			return ParseFacts(inner)
		}
		return nil, fmt.Errorf("facts must be a JSON array or object, got a string")
	default:
		return nil, fmt.Errorf("facts must be a JSON array or object, got %T", generic)
	}
}

func decodeFacts(items []any) []common.RawFact {
	out := make([]common.RawFact, 0, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err == nil {
			var f common.RawFact
			if err = json.Unmarshal(b, &f); err == nil {
				out = append(out, f)
				continue
			}
		}
		logger.Warn("[Recon] Skipping undecodable fact", "index", i, "err", err)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
