// ABOUTME: Lenient decoding for job fields that older deployments stored loosely
// ABOUTME: is_spa may be a "True"/"False" string and args may be a bare string

package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlexBool decodes JSON booleans as well as "true"/"false" (any case), "1"/"0"
// and null. Anything else is an error.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*b = false
	case bool:
		*b = FlexBool(t)
	case float64:
		if t != 0 && t != 1 {
			return fmt.Errorf("invalid boolean %v", t)
		}
		*b = t == 1
	case string:
		parsed, err := ParseBool(t)
		if err != nil {
			return err
		}
		*b = FlexBool(parsed)
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// ParseBool accepts "true"/"false" in any case, "1"/"0" and the empty string.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// UnmarshalJSON decodes a stored job. One odd record must not make the whole
// jobs document unreadable, so is_spa falls back to truthiness and args
// accepts a single string or non-string items.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		*plain
		IsSPA json.RawMessage `json:"is_spa"`
		Args  json.RawMessage `json:"args"`
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.IsSPA = looseBool(aux.IsSPA)

	args, err := looseArgs(aux.Args)
	if err != nil {
		return fmt.Errorf("job %s: args: %w", j.JobID, err)
	}
	j.Args = args
	return nil
}

func looseBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b FlexBool
	if err := json.Unmarshal(raw, &b); err == nil {
		return bool(b)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return false
}

func looseArgs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(it))
	}
	return out, nil
}
