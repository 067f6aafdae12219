// Package validate checks untrusted, model-produced tool arguments
// against the declared tool schemas. It fails closed: unknown tools,
// unknown keys, and reserved key names are all rejections.
package validate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/toolgate/toolgate/internal/sanitize"
)

// Error kinds. Each rejection names exactly why it failed so callers can
// produce precise diagnostics without re-deriving them.
const (
	KindRequired           = "REQUIRED"
	KindTypeError          = "TYPE_ERROR"
	KindInvalidEnum        = "INVALID_ENUM"
	KindTooLong            = "TOO_LONG"
	KindEmpty              = "EMPTY"
	KindUnexpectedProperty = "UNEXPECTED_PROPERTY"
	KindPrototypePollution = "PROTOTYPE_POLLUTION"
	KindUnknownTool        = "UNKNOWN_TOOL"
)

// reservedKeys are denylisted at any nesting depth. Go maps have no
// prototype chain; the denylist survives as defense-in-depth against
// key confusion when arguments are re-serialized into generic object
// handling downstream.
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// FieldError is a single named validation rejection.
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Message)
}

// ValidatedParams is the frozen result of a successful validation. It
// contains only the keys the tool schema declares and is read-only
// after construction.
type ValidatedParams struct {
	tool   string
	fields map[string]string
}

// Tool returns the validated tool name.
func (p *ValidatedParams) Tool() string { return p.tool }

// Get returns a validated field value. Absent optional fields return "".
func (p *ValidatedParams) Get(field string) string { return p.fields[field] }

// Has reports whether the field was present in the input.
func (p *ValidatedParams) Has(field string) bool {
	_, ok := p.fields[field]
	return ok
}

// Fields returns a copy of the validated fields.
func (p *ValidatedParams) Fields() map[string]string {
	out := make(map[string]string, len(p.fields))
	for k, v := range p.fields {
		out[k] = v
	}
	return out
}

// Validate checks rawArgs against toolName's declared schema and
// returns a frozen ValidatedParams, or a *FieldError describing the
// first rejection.
func Validate(toolName string, rawArgs map[string]any) (*ValidatedParams, error) {
	schema, ok := toolSchemas[toolName]
	if !ok {
		return nil, &FieldError{Kind: KindUnknownTool, Message: fmt.Sprintf("tool %q is not declared", toolName)}
	}
	if rawArgs == nil {
		return nil, &FieldError{Kind: KindTypeError, Message: "arguments must be an object"}
	}

	// Reserved keys are rejected at any nesting depth before any other
	// check, so a smuggled key can never ride along inside an otherwise
	// valid payload.
	if err := checkReservedKeys(rawArgs, ""); err != nil {
		return nil, err
	}

	// Deterministic order so the first rejection is stable across runs.
	keys := make([]string, 0, len(rawArgs))
	for k := range rawArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, declared := schema.Parameters[k]; !declared {
			return nil, &FieldError{
				Kind:    KindUnexpectedProperty,
				Field:   k,
				Message: "not declared by the tool schema",
			}
		}
	}

	fields := make(map[string]string, len(schema.Parameters))

	for _, req := range schema.Required {
		if _, present := rawArgs[req]; !present {
			return nil, &FieldError{Kind: KindRequired, Field: req, Message: "required field missing"}
		}
	}

	for _, k := range keys {
		spec := schema.Parameters[k]
		raw := rawArgs[k]

		s, ok := raw.(string)
		if !ok {
			return nil, &FieldError{
				Kind:    KindTypeError,
				Field:   k,
				Message: fmt.Sprintf("expected %s", spec.Type),
			}
		}

		if strings.TrimSpace(s) == "" {
			return nil, &FieldError{Kind: KindEmpty, Field: k, Message: "must not be empty"}
		}

		if spec.MaxLength > 0 && utf8.RuneCountInString(s) > spec.MaxLength {
			return nil, &FieldError{
				Kind:    KindTooLong,
				Field:   k,
				Message: fmt.Sprintf("exceeds %d characters", spec.MaxLength),
			}
		}

		if len(spec.Enum) > 0 {
			if !contains(spec.Enum, s) {
				return nil, &FieldError{
					Kind:    KindInvalidEnum,
					Field:   k,
					Message: fmt.Sprintf("must be one of %v", spec.Enum),
				}
			}
		} else {
			// Free-text fields get content sanitization; enum fields are
			// already exact-matched.
			s = sanitize.Context(s, spec.MaxLength)
		}

		fields[k] = s
	}

	return &ValidatedParams{tool: toolName, fields: fields}, nil
}

// checkReservedKeys walks nested maps and slices looking for denylisted
// key names.
func checkReservedKeys(v any, path string) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if reservedKeys[k] {
				return &FieldError{
					Kind:    KindPrototypePollution,
					Field:   childPath,
					Message: "reserved property name",
				}
			}
			if err := checkReservedKeys(child, childPath); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := checkReservedKeys(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
