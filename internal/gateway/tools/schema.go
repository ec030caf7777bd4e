// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements parameter schemas as plain data and the argument
// validator that walks them.

package tools

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// ParamType enumerates the value types a parameter can declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one parameter. Constraint fields apply only where
// they make sense for the declared type: Enum and the length limits to
// strings, Minimum/Maximum to numbers and integers, the length limits
// to arrays, Items to arrays, Properties to objects. An object with nil
// Properties accepts any members (free-form).
type Param struct {
	Type        ParamType        `json:"type"`
	Description string           `json:"description,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Enum        []any            `json:"enum,omitempty"`
	Minimum     *float64         `json:"minimum,omitempty"`
	Maximum     *float64         `json:"maximum,omitempty"`
	MinLength   *int             `json:"min_length,omitempty"`
	MaxLength   *int             `json:"max_length,omitempty"`
	Items       *Param           `json:"items,omitempty"`
	Properties  map[string]Param `json:"properties,omitempty"`
}

// Schema declares a tool's parameters by name. The zero value accepts
// only an empty argument map.
type Schema struct {
	Params map[string]Param `json:"params"`
}

// Validate checks args against the schema and returns every violation,
// not just the first: a caller correcting its arguments (a model
// re-planning a tool call included) should see the complete list in one
// round trip. A nil or empty return means args are acceptable. Field
// order is deterministic (parameters sorted by name, array items by
// index).
func (s Schema) Validate(args map[string]any) []FieldError {
	var errs []FieldError

	for _, name := range sortedKeys(s.Params) {
		p := s.Params[name]
		val, ok := args[name]
		if !ok {
			if p.Required {
				errs = append(errs, FieldError{Field: name, Msg: "required parameter missing"})
			}
			continue
		}
		errs = checkValue(name, p, val, errs)
	}

	// Unknown names are rejected rather than ignored: silently dropped
	// arguments are how callers end up trusting parameters that never
	// reached the handler.
	for _, name := range sortedKeys(args) {
		if _, known := s.Params[name]; !known {
			errs = append(errs, FieldError{Field: name, Msg: "unknown parameter"})
		}
	}
	return errs
}

// check verifies the schema itself is well formed. Called once at
// registration; validation assumes a checked schema.
func (s Schema) check() error {
	for _, name := range sortedKeys(s.Params) {
		if err := checkParam(name, s.Params[name]); err != nil {
			return err
		}
	}
	return nil
}

func checkParam(path string, p Param) error {
	switch p.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
	default:
		return fmt.Errorf("tools: schema parameter %q: unknown type %q", path, p.Type)
	}
	if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
		return fmt.Errorf("tools: schema parameter %q: minimum %v exceeds maximum %v", path, *p.Minimum, *p.Maximum)
	}
	if p.MinLength != nil && *p.MinLength < 0 {
		return fmt.Errorf("tools: schema parameter %q: negative min_length", path)
	}
	if p.MinLength != nil && p.MaxLength != nil && *p.MinLength > *p.MaxLength {
		return fmt.Errorf("tools: schema parameter %q: min_length %d exceeds max_length %d", path, *p.MinLength, *p.MaxLength)
	}
	for _, e := range p.Enum {
		switch e.(type) {
		case string, bool, float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("tools: schema parameter %q: enum value %v is not a scalar", path, e)
		}
	}
	if p.Items != nil {
		if err := checkParam(path+"[]", *p.Items); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(p.Properties) {
		if err := checkParam(path+"."+name, p.Properties[name]); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(path string, p Param, val any, errs []FieldError) []FieldError {
	switch p.Type {
	case TypeString:
		v, ok := val.(string)
		if !ok {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected string, got %s", typeName(val))})
		}
		if len(p.Enum) > 0 && !enumHas(p.Enum, v) {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("must be one of %s", enumList(p.Enum))})
		}
		n := utf8.RuneCountInString(v)
		if p.MinLength != nil && n < *p.MinLength {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("length %d below minimum %d", n, *p.MinLength)})
		}
		if p.MaxLength != nil && n > *p.MaxLength {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("length %d above maximum %d", n, *p.MaxLength)})
		}

	case TypeNumber, TypeInteger:
		f, ok := toFloat(val)
		if !ok {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected %s, got %s", p.Type, typeName(val))})
		}
		if p.Type == TypeInteger && math.Trunc(f) != f {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected integer, got fractional number %v", f)})
		}
		if len(p.Enum) > 0 && !enumHas(p.Enum, f) {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("must be one of %s", enumList(p.Enum))})
		}
		if p.Minimum != nil && f < *p.Minimum {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("%v below minimum %v", f, *p.Minimum)})
		}
		if p.Maximum != nil && f > *p.Maximum {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("%v above maximum %v", f, *p.Maximum)})
		}

	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected boolean, got %s", typeName(val))})
		}

	case TypeArray:
		items, ok := val.([]any)
		if !ok {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected array, got %s", typeName(val))})
		}
		if p.MinLength != nil && len(items) < *p.MinLength {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("length %d below minimum %d", len(items), *p.MinLength)})
		}
		if p.MaxLength != nil && len(items) > *p.MaxLength {
			errs = append(errs, FieldError{Field: path, Msg: fmt.Sprintf("length %d above maximum %d", len(items), *p.MaxLength)})
		}
		if p.Items != nil {
			for i, item := range items {
				errs = checkValue(fmt.Sprintf("%s[%d]", path, i), *p.Items, item, errs)
			}
		}

	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return append(errs, FieldError{Field: path, Msg: fmt.Sprintf("expected object, got %s", typeName(val))})
		}
		if p.Properties == nil {
			return errs
		}
		for _, name := range sortedKeys(p.Properties) {
			np := p.Properties[name]
			nv, present := obj[name]
			if !present {
				if np.Required {
					errs = append(errs, FieldError{Field: path + "." + name, Msg: "required parameter missing"})
				}
				continue
			}
			errs = checkValue(path+"."+name, np, nv, errs)
		}
		for _, name := range sortedKeys(obj) {
			if _, known := p.Properties[name]; !known {
				errs = append(errs, FieldError{Field: path + "." + name, Msg: "unknown parameter"})
			}
		}
	}
	return errs
}

// toFloat widens the numeric types arguments arrive as. JSON decoding
// produces float64; in-process callers hand over Go ints.
func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func typeName(val any) string {
	switch val.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case float64, float32, int, int32, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", val)
	}
}

func enumHas(enum []any, val any) bool {
	vf, vnum := toFloat(val)
	for _, e := range enum {
		if e == val {
			return true
		}
		if ef, ok := toFloat(e); ok && vnum && ef == vf {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
