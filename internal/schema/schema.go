// Package schema implements JSON Schema compilation and validation for
// strict-mode collections. No JSON-Schema library appears anywhere in the
// example pack (see DESIGN.md), so this is a deliberately small, spec-literal
// subset implemented directly: type, required, properties, items, enum,
// minimum/maximum, minLength/maxLength — enough to validate the documents
// this database stores without pulling in a general-purpose validator whose
// draft-version surface area this project does not need.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// Schema is a compiled JSON Schema document.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Required              []string           `json:"required,omitempty"`
	Properties            map[string]*Schema `json:"properties,omitempty"`
	Items                 *Schema            `json:"items,omitempty"`
	Enum                  []any              `json:"enum,omitempty"`
	Minimum               *float64           `json:"minimum,omitempty"`
	Maximum               *float64           `json:"maximum,omitempty"`
	MinLength              *int               `json:"minLength,omitempty"`
	MaxLength              *int               `json:"maxLength,omitempty"`
}

// Compile parses raw JSON Schema bytes, returning ErrSchemaCompilation on
// malformed input.
func Compile(raw json.RawMessage) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, sdberr.Wrap(sdberr.ErrSchemaCompilation, err.Error())
	}
	return &s, nil
}

// Validate compiles raw and checks data against it in one call, the shape
// the document store's write path uses.
func Validate(raw json.RawMessage, data value.Value) error {
	s, err := Compile(raw)
	if err != nil {
		return err
	}
	return s.Validate(data)
}

// Validate checks data against a compiled schema, returning
// ErrSchemaValidation describing the first failure found.
func (s *Schema) Validate(v value.Value) error {
	return s.validate(v, "$")
}

func fail(path, msg string) error {
	return sdberr.Wrap(sdberr.ErrSchemaValidation, fmt.Sprintf("%s: %s", path, msg))
}

func (s *Schema) validate(v value.Value, path string) error {
	if s.Type != "" {
		if !matchesType(s.Type, v) {
			return fail(path, fmt.Sprintf("expected type %q, got %s", s.Type, kindName(v.Kind())))
		}
	}
	if len(s.Enum) > 0 {
		goVal := value.ToGo(v)
		ok := false
		for _, e := range s.Enum {
			if fmt.Sprint(e) == fmt.Sprint(goVal) {
				ok = true
				break
			}
		}
		if !ok {
			return fail(path, "value not in enum")
		}
	}

	switch v.Kind() {
	case value.KindNumber:
		n, _ := v.Number()
		if s.Minimum != nil && n < *s.Minimum {
			return fail(path, "below minimum")
		}
		if s.Maximum != nil && n > *s.Maximum {
			return fail(path, "above maximum")
		}
	case value.KindString:
		str, _ := v.String()
		if s.MinLength != nil && len(str) < *s.MinLength {
			return fail(path, "shorter than minLength")
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			return fail(path, "longer than maxLength")
		}
	case value.KindArray:
		if s.Items != nil {
			items, _ := v.Array()
			for i, item := range items {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case value.KindObject:
		for _, req := range s.Required {
			if _, ok := v.Get(req); !ok {
				return fail(path, fmt.Sprintf("missing required field %q", req))
			}
		}
		for name, propSchema := range s.Properties {
			fv, ok := v.Get(name)
			if !ok {
				continue
			}
			if err := propSchema.validate(fv, path+"."+name); err != nil {
				return err
			}
		}
	}
	return nil
}

func kindName(k value.Kind) string {
	switch k {
	case value.KindNull:
		return "null"
	case value.KindBool:
		return "boolean"
	case value.KindNumber:
		return "number"
	case value.KindString:
		return "string"
	case value.KindArray:
		return "array"
	case value.KindObject:
		return "object"
	}
	return "unknown"
}

func matchesType(t string, v value.Value) bool {
	switch t {
	case "null":
		return v.Kind() == value.KindNull
	case "boolean":
		return v.Kind() == value.KindBool
	case "number", "integer":
		return v.Kind() == value.KindNumber
	case "string":
		return v.Kind() == value.KindString
	case "array":
		return v.Kind() == value.KindArray
	case "object":
		return v.Kind() == value.KindObject
	default:
		return true
	}
}
