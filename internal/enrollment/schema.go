package enrollment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedReply is returned when an inference reply does not match the
// expected JSON schema. Callers treat it like any other transient failure.
var ErrMalformedReply = errors.New("malformed inference reply")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedReply, fmt.Sprintf(format, args...))
}

// cleanJSON strips markdown code fences and any text around the outermost object.
func cleanJSON(reply string) string {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// decodeObject decodes reply into a map of raw values, rejecting anything that
// is not a single JSON object.
func decodeObject(reply string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(cleanJSON(reply)))
	if err := dec.Decode(&obj); err != nil {
		return nil, malformed("not a JSON object: %v", err)
	}
	if obj == nil {
		return nil, malformed("null object")
	}
	if dec.More() {
		return nil, malformed("trailing data after object")
	}
	return obj, nil
}

// requireKeys checks that obj has exactly the given keys.
func requireKeys(obj map[string]json.RawMessage, keys ...string) error {
	if len(obj) != len(keys) {
		return malformed("expected keys %v, got %d keys", keys, len(obj))
	}
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return malformed("missing key %q", k)
		}
	}
	return nil
}

// nullableString decodes a JSON string or null. Blank strings count as null.
func nullableString(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, malformed("expected string or null: %s", string(raw))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
