package gateway

import (
	"fmt"
	"strings"
)

// Rules is a declarative payload validator: field name -> pipe-separated
// rule list, e.g. {"title": "required|string", "count": "number"}.
// Non-required fields are only type-checked when present.
type Rules map[string]string

func (r Rules) Validate(payload map[string]any) []string {
	var messages []string
	for field, spec := range r {
		val, present := payload[field]
		rules := strings.Split(spec, "|")

		required := false
		for _, rule := range rules {
			if rule == "required" {
				required = true
			}
		}

		if !present || val == nil {
			if required {
				messages = append(messages, fmt.Sprintf("field %q is required", field))
			}
			continue
		}

		for _, rule := range rules {
			if msg := checkRule(field, rule, val); msg != "" {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func checkRule(field, rule string, val any) string {
	switch rule {
	case "", "required":
		return ""
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("field %q must be a string", field)
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			return fmt.Sprintf("field %q must be a number", field)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", field)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Sprintf("field %q must be an array", field)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Sprintf("field %q must be an object", field)
		}
	}
	return ""
}
