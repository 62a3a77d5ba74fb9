package fetch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyPayload is wrapped by InvalidShape failures caused by an empty payload.
var ErrEmptyPayload = errors.New("empty payload")

// ValidationRule decides whether a parsed 2xx body contains usable data.
// The value is the result of decoding the body into any (numbers as json.Number).
// Rules must be pure: a nil return accepts the body, an error rejects it and
// becomes the InvalidShape message.
type ValidationRule func(value any) error

// Accept is a rule that accepts any well-formed JSON body.
func Accept() ValidationRule {
	return func(any) error { return nil }
}

// IsArray accepts any JSON array, including an empty one.
func IsArray() ValidationRule {
	return func(value any) error {
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %s", jsonType(value))
		}
		return nil
	}
}

// IsNonEmptyArray accepts JSON arrays with at least one element.
func IsNonEmptyArray() ValidationRule {
	return func(value any) error {
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %s", jsonType(value))
		}
		if len(arr) == 0 {
			return fmt.Errorf("expected non-empty array: %w", ErrEmptyPayload)
		}
		return nil
	}
}

// IsObject accepts any JSON object.
func IsObject() ValidationRule {
	return func(value any) error {
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %s", jsonType(value))
		}
		return nil
	}
}

// HasString accepts bodies where the dotted path resolves to a string that is
// not blank. Numeric segments index into arrays, e.g. "choices.0.message.content".
func HasString(path string) ValidationRule {
	return func(value any) error {
		v, err := Lookup(value, path)
		if err != nil {
			return err
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %s", path, jsonType(v))
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s: empty string", path)
		}
		return nil
	}
}

// All accepts a body only when every rule accepts it.
func All(rules ...ValidationRule) ValidationRule {
	return func(value any) error {
		for _, rule := range rules {
			if rule == nil {
				continue
			}
			if err := rule(value); err != nil {
				return err
			}
		}
		return nil
	}
}

// Lookup walks a dotted path through decoded JSON.
func Lookup(value any, path string) (any, error) {
	if path == "" {
		return value, nil
	}
	current := value
	walked := make([]string, 0, 4)
	for _, seg := range strings.Split(path, ".") {
		walked = append(walked, seg)
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%s: missing field", strings.Join(walked, "."))
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("%s: expected array index", strings.Join(walked, "."))
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%s: index out of range (len %d)", strings.Join(walked, "."), len(node))
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("%s: cannot descend into %s", strings.Join(walked, "."), jsonType(current))
		}
	}
	return current, nil
}

// isEmptyPayload reports whether value is [], {}, null or "".
func isEmptyPayload(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case string:
		return v == ""
	default:
		return false
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}
