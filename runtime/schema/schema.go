// Package schema enforces declared attribute lists on argument and response
// payloads: runtime type checks, required attributes (possibly conditional),
// regex and enum constraints, and default injection.
package schema

import (
	"context"
	"fmt"
	"regexp"

	"goa.design/ratio/runtime/condition"
	"goa.design/ratio/runtime/refs"
)

type (
	// AttributeDef declares one attribute of a body bound to a schema.
	AttributeDef struct {
		Name         string    `json:"name"`
		TypeName     refs.Kind `json:"type_name"`
		Required     bool      `json:"required,omitempty"`
		RegexPattern string    `json:"regex_pattern,omitempty"`
		Enum         []any     `json:"enum,omitempty"`
		DefaultValue any       `json:"default_value,omitempty"`
		// RequiredConditions makes a required attribute optional when
		// every clause evaluates false against the body.
		RequiredConditions []condition.Node `json:"required_conditions,omitempty"`
	}

	// Schema is a compiled attribute list ready for validation.
	Schema struct {
		attrs   []compiledAttr
		aliases map[refs.Kind]refs.Kind
	}

	compiledAttr struct {
		def   AttributeDef
		regex *regexp.Regexp
	}

	// Option customizes schema compilation.
	Option func(*Schema)
)

// InvalidObjectSchemaError reports a body that violates its declared schema
// or a schema that violates structural rules. Callers map it to user 400
// responses.
type InvalidObjectSchemaError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *InvalidObjectSchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schema at %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...any) error {
	return &InvalidObjectSchemaError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// WithAlias registers a vanity type applied before the base type check.
func WithAlias(from, to refs.Kind) Option {
	return func(s *Schema) { s.aliases[from] = to }
}

// Compile validates the attribute definitions and compiles regex patterns.
// File attributes alias to string by default: file values travel as storage
// paths.
func Compile(defs []AttributeDef, opts ...Option) (*Schema, error) {
	s := &Schema{
		aliases: map[refs.Kind]refs.Kind{refs.KindFile: refs.KindString},
	}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, invalid("", "attribute with empty name")
		}
		if seen[def.Name] {
			return nil, invalid(def.Name, "duplicate attribute")
		}
		seen[def.Name] = true
		if !knownKind(def.TypeName) {
			return nil, invalid(def.Name, "unknown type %q", def.TypeName)
		}
		ca := compiledAttr{def: def}
		if def.RegexPattern != "" {
			re, err := regexp.Compile(def.RegexPattern)
			if err != nil {
				return nil, invalid(def.Name, "bad regex pattern: %v", err)
			}
			ca.regex = re
		}
		s.attrs = append(s.attrs, ca)
	}
	return s, nil
}

// Attributes returns the declared attribute definitions.
func (s *Schema) Attributes() []AttributeDef {
	out := make([]AttributeDef, len(s.attrs))
	for i, a := range s.attrs {
		out[i] = a.def
	}
	return out
}

// Validate checks body against the schema and returns a copy with defaults
// injected. Unknown body keys pass through untouched.
func (s *Schema) Validate(ctx context.Context, body map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, attr := range s.attrs {
		def := attr.def
		val, present := out[def.Name]
		if !present || val == nil {
			if def.DefaultValue != nil {
				out[def.Name] = def.DefaultValue
				continue
			}
			if !def.Required {
				continue
			}
			required, err := s.requiredByConditions(ctx, def, out)
			if err != nil {
				return nil, err
			}
			if required {
				return nil, invalid(def.Name, "required attribute missing")
			}
			continue
		}
		if err := s.checkType(def, val); err != nil {
			return nil, err
		}
		if attr.regex != nil {
			str, ok := val.(string)
			if !ok || !attr.regex.MatchString(str) {
				return nil, invalid(def.Name, "value does not match pattern %q", def.RegexPattern)
			}
		}
		if len(def.Enum) > 0 && !inEnum(val, def.Enum) {
			return nil, invalid(def.Name, "value not in enum")
		}
	}
	return out, nil
}

// requiredByConditions reports whether a conditionally-required attribute is
// required for this body: it is optional only when every clause evaluates
// false.
func (s *Schema) requiredByConditions(ctx context.Context, def AttributeDef, body map[string]any) (bool, error) {
	if len(def.RequiredConditions) == 0 {
		return true, nil
	}
	// Clause params name body fields; substitute the field value (nil when
	// absent) so exists/not_exists and comparisons see the body.
	clauses := condition.Map(def.RequiredConditions, func(c condition.Condition) condition.Condition {
		if name, ok := c.Param.(string); ok {
			c.Param = body[name]
		}
		return c
	})
	for _, clause := range clauses {
		ok, err := clause.Evaluate(ctx, nil)
		if err != nil {
			return false, invalid(def.Name, "required condition failed: %v", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Schema) checkType(def AttributeDef, val any) error {
	typeName := def.TypeName
	if alias, ok := s.aliases[typeName]; ok {
		typeName = alias
	}
	if typeName == refs.KindAny {
		if _, err := refs.Infer(val); err != nil {
			return invalid(def.Name, "%v", err)
		}
		return nil
	}
	if _, err := refs.New(typeName, val); err != nil {
		return invalid(def.Name, "%v", err)
	}
	return nil
}

func inEnum(val any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", val) {
			return true
		}
	}
	return false
}

func knownKind(k refs.Kind) bool {
	switch k {
	case refs.KindString, refs.KindNumber, refs.KindBoolean, refs.KindList,
		refs.KindObject, refs.KindFile, refs.KindAny:
		return true
	default:
		return false
	}
}
