// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package card implements the fixed-width 80-byte key/value card tables
// shared by the status record and the data buffer block headers.
package card

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
)

// String returns the kind name used in logs and the control socket.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ParseKind parses a kind name as produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "int", "integer", "i":
		return KindInt, nil
	case "float", "double", "f", "d":
		return KindFloat, nil
	case "bool", "b":
		return KindBool, nil
	case "string", "str", "s":
		return KindString, nil
	default:
		return KindInvalid, fmt.Errorf("unknown value kind %q", s)
	}
}

// MaxStringLen is the longest string value that fits a card
// (80 - 10 for "KEY     = " - 2 quotes).
const MaxStringLen = 68

var (
	ErrInvalidValue  = errors.New("invalid card value")
	ErrStringTooLong = fmt.Errorf("string value longer than %d characters", MaxStringLen)
)

// Value is a tagged variant holding one of the supported card value kinds.
// The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating point Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String returns a string Value. Trailing spaces are not significant in a
// card and are dropped.
func String(v string) Value { return Value{kind: KindString, s: strings.TrimRight(v, " ")} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsInt returns the integer value.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the value as a float64. Integers are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsBool returns the boolean value.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the string value.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	}
	return true
}

// String formats the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindBool:
		if v.b {
			return "T"
		}
		return "F"
	case KindString:
		return v.s
	}
	return ""
}

// Validate checks that the value can be written to a card.
func (v Value) Validate() error {
	switch v.kind {
	case KindInt, KindBool:
		return nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fmt.Errorf("%w: non-finite float", ErrInvalidValue)
		}
		return nil
	case KindString:
		if len(v.s) > MaxStringLen {
			return ErrStringTooLong
		}
		for i := 0; i < len(v.s); i++ {
			if v.s[i] < 0x20 || v.s[i] > 0x7e {
				return fmt.Errorf("%w: non-printable character at %d", ErrInvalidValue, i)
			}
		}
		return nil
	}
	return ErrInvalidValue
}

// Interface returns the value as a native Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	}
	return nil
}

// MarshalJSON encodes the value as the matching JSON type.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat {
		// Keep a fraction so the value decodes back as a float.
		return []byte(formatFloat(v.f)), nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON scalar into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSONValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSONValue converts a JSON scalar to a Value. Numbers with a fraction
// or exponent become floats, integral numbers become ints.
func ParseJSONValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	switch x := raw.(type) {
	case json.Number:
		return ParseNumber(x.String())
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported JSON type %T", ErrInvalidValue, raw)
}

// ParseNumber parses a numeric literal, preferring an integer.
func ParseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eEdD") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(s), 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, s)
	}
	return Float(f), nil
}

// ParseAs parses s as a value of the given kind.
func ParseAs(kind Kind, s string) (Value, error) {
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, s)
		}
		return Float(f), nil
	case KindBool:
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "T", "TRUE", "1", "Y", "YES":
			return Bool(true), nil
		case "F", "FALSE", "0", "N", "NO":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s)
	case KindString:
		return String(s), nil
	}
	return Value{}, ErrInvalidValue
}

// formatFloat returns the shortest representation that round-trips and
// always reads back as a float.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'G', -1, 64)
	if !strings.ContainsAny(s, ".EN") {
		s += ".0"
	}
	return s
}
