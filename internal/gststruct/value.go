package gststruct

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Canonical type names.
const (
	TypeInt       = "int"
	TypeLong      = "glong"
	TypeInt64     = "gint64"
	TypeUint      = "uint"
	TypeUlong     = "gulong"
	TypeUint64    = "guint64"
	TypeFloat     = "float"
	TypeDouble    = "double"
	TypeBoolean   = "boolean"
	TypeFraction  = "fraction"
	TypeString    = "string"
	TypeStructure = "structure"
	TypeCaps      = "GstCaps"
)

// UnknownPrefix marks field types whose values are kept in serialized form.
const UnknownPrefix = "[UNKNOWN]"

var typeAliases = map[string]string{
	"i":            TypeInt,
	"gint":         TypeInt,
	"u":            TypeUint,
	"guint":        TypeUint,
	"f":            TypeFloat,
	"gfloat":       TypeFloat,
	"d":            TypeDouble,
	"gdouble":      TypeDouble,
	"b":            TypeBoolean,
	"bool":         TypeBoolean,
	"gboolean":     TypeBoolean,
	"GstFraction":  TypeFraction,
	"str":          TypeString,
	"s":            TypeString,
	"gchararray":   TypeString,
	"GstStructure": TypeStructure,
	"caps":         TypeCaps,
}

// CanonicalType resolves a type alias.
func CanonicalType(typ string) string {
	if canon, ok := typeAliases[typ]; ok {
		return canon
	}
	return typ
}

func isIntType(t string) bool   { return t == TypeInt || t == TypeLong || t == TypeInt64 }
func isUintType(t string) bool  { return t == TypeUint || t == TypeUlong || t == TypeUint64 }
func isFloatType(t string) bool { return t == TypeFloat || t == TypeDouble }

// IsKnownType reports whether values of typ are deserialized.
func IsKnownType(typ string) bool {
	t := CanonicalType(typ)
	switch {
	case isIntType(t), isUintType(t), isFloatType(t):
		return true
	}
	switch t {
	case TypeBoolean, TypeFraction, TypeString, TypeStructure, TypeCaps:
		return true
	}
	return false
}

func isUnknownType(t string) bool { return strings.HasPrefix(t, UnknownPrefix) }

func stripUnknown(t string) string { return strings.TrimPrefix(t, UnknownPrefix) }

// Fraction is a reduced rational number such as a framerate.
type Fraction struct {
	Num int64
	Den int64
}

// NewFraction returns num/den reduced.
func NewFraction(num, den int64) Fraction {
	r := big.NewRat(num, den)
	return Fraction{Num: r.Num().Int64(), Den: r.Denom().Int64()}
}

// ParseFraction parses "n/d", an integer or a decimal number.
func ParseFraction(s string) (Fraction, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || !r.Num().IsInt64() || !r.Denom().IsInt64() {
		return Fraction{}, fmt.Errorf("invalid fraction %q", s)
	}
	return Fraction{Num: r.Num().Int64(), Den: r.Denom().Int64()}, nil
}

func (f Fraction) String() string {
	den := f.Den
	if den == 0 {
		den = 1
	}
	return fmt.Sprintf("%d/%d", f.Num, den)
}

// Float returns the fraction as a float64.
func (f Fraction) Float() float64 {
	if f.Den == 0 {
		return 0
	}
	return float64(f.Num) / float64(f.Den)
}

// IsZero reports whether the fraction is 0.
func (f Fraction) IsZero() bool { return f.Num == 0 }

func isASCIIStringChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return strings.IndexByte("_-+/:.", b) >= 0
}

// SerializeString wraps s the way GStreamer serializes strings. A nil
// pointer serializes as NULL.
func SerializeString(s *string) string {
	if s == nil {
		return "NULL"
	}
	return wrapString(*s)
}

func wrapString(s string) string {
	if s == "NULL" {
		return `"NULL"`
	}
	if s == "" {
		return `""`
	}
	var b strings.Builder
	wrapped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isASCIIStringChar(c):
			b.WriteByte(c)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, "\\%03o", c)
			wrapped = true
		default:
			b.WriteByte('\\')
			b.WriteByte(c)
			wrapped = true
		}
	}
	if wrapped {
		return `"` + b.String() + `"`
	}
	return b.String()
}

// DeserializeString reverses SerializeString. NULL returns nil.
func DeserializeString(read string) (*string, error) {
	if read == "NULL" {
		return nil, nil
	}
	if len(read) < 2 || read[0] != '"' || read[len(read)-1] != '"' {
		return &read, nil
	}
	s, err := unwrapString(read)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func isOctal(b byte) bool { return b >= '0' && b <= '7' }

func unwrapString(read string) (string, error) {
	if read == "" || read[0] != '"' {
		return "", newDeserializeError(read, `does not start with '"'`)
	}
	out := make([]byte, 0, len(read))
	i := 1
	next := func() (byte, error) {
		if i >= len(read) {
			return 0, newDeserializeError(read, "end unexpectedly")
		}
		c := read[i]
		i++
		return c, nil
	}

	for {
		c, err := next()
		if err != nil {
			return "", err
		}
		switch {
		case isASCIIStringChar(c):
			out = append(out, c)
		case c == '"':
			if i != len(read) {
				return "", newDeserializeError(read, `contains an un-escaped '"' before the end`)
			}
			if !utf8.Valid(out) {
				return "", newDeserializeError(read, "contains invalid utf-8 byte sequences")
			}
			return string(out), nil
		case c == '\\':
			c, err = next()
			if err != nil {
				return "", err
			}
			if c >= '0' && c <= '3' {
				c2, err := next()
				if err != nil {
					return "", err
				}
				c3, err := next()
				if err != nil {
					return "", err
				}
				if !isOctal(c2) || !isOctal(c3) {
					return "", newDeserializeError(read, "contains the start of an octal sequence but not the end")
				}
				out = append(out, (c-'0')<<6+(c2-'0')<<3+(c3-'0'))
				continue
			}
			if c == 0 {
				return "", newDeserializeError(read, "contains a null byte after an escape")
			}
			out = append(out, c)
		default:
			return "", newDeserializeError(read, "contains an unexpected un-escaped character")
		}
	}
}

// SerializeBoolean returns "true" or "false".
func SerializeBoolean(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// DeserializeBoolean accepts true/t/yes/1 and false/f/no/0.
func DeserializeBoolean(read string) (bool, error) {
	switch strings.ToLower(read) {
	case "true", "t", "yes", "1":
		return true, nil
	case "false", "f", "no", "0":
		return false, nil
	}
	return false, newDeserializeError(read, "is an unknown boolean value")
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}

// DeserializeValue converts a serialized value of a known type.
func DeserializeValue(typ, value string) (any, error) {
	t := CanonicalType(typ)
	bad := func() error {
		return newDeserializeError(value, "does not translate to the %s type", t)
	}
	switch {
	case isIntType(t):
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, bad()
		}
		return v, nil
	case isUintType(t):
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, bad()
		}
		return v, nil
	case isFloatType(t):
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, bad()
		}
		return v, nil
	}

	switch t {
	case TypeBoolean:
		v, err := DeserializeBoolean(value)
		if err != nil {
			return nil, bad()
		}
		return v, nil
	case TypeFraction:
		v, err := ParseFraction(value)
		if err != nil {
			return nil, bad()
		}
		return v, nil
	case TypeString:
		v, err := DeserializeString(value)
		if err != nil {
			return nil, newDeserializeError(value, "does not translate to a string (%v)", err)
		}
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case TypeStructure:
		read := value
		if strings.HasPrefix(read, `"`) {
			unwrapped, err := unwrapString(read)
			if err != nil {
				return nil, newDeserializeError(read, "could not be unwrapped as a string (%v)", err)
			}
			read = unwrapped
		}
		s, err := NewStructureFromString(read)
		if err != nil {
			return nil, newDeserializeError(value, "does not translate to a GstStructure (%v)", err)
		}
		return s, nil
	case TypeCaps:
		read := value
		if strings.HasPrefix(read, `"`) {
			unwrapped, err := unwrapString(read)
			if err != nil {
				return nil, newDeserializeError(read, "could not be unwrapped as a string (%v)", err)
			}
			read = unwrapped
		}
		c, err := ParseCaps(read)
		if err != nil {
			return nil, newDeserializeError(value, "does not translate to a GstCaps (%v)", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("the type %s is unknown, so the value (%s) can not be deserialized", t, value)
}

// SerializeValue serializes a typed value.
func SerializeValue(typ string, value any) (string, error) {
	t := CanonicalType(typ)
	switch {
	case isIntType(t), isUintType(t):
		return fmt.Sprint(value), nil
	case isFloatType(t):
		if f, ok := value.(float64); ok {
			return formatFloat(f), nil
		}
		return fmt.Sprint(value), nil
	}
	switch t {
	case TypeFraction:
		return fmt.Sprint(value), nil
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", &InvalidValueError{Name: "value", Value: value, Expect: "a bool"}
		}
		return SerializeBoolean(b), nil
	case TypeString:
		if value == nil {
			return "NULL", nil
		}
		s, ok := value.(string)
		if !ok {
			return "", &InvalidValueError{Name: "value", Value: value, Expect: "a string"}
		}
		return wrapString(s), nil
	case TypeStructure:
		s, ok := value.(*Structure)
		if !ok {
			return "", &InvalidValueError{Name: "value", Value: value, Expect: "a *Structure"}
		}
		return wrapString(s.String()), nil
	case TypeCaps:
		c, ok := value.(*Caps)
		if !ok {
			return "", &InvalidValueError{Name: "value", Value: value, Expect: "a *Caps"}
		}
		return wrapString(c.String()), nil
	}
	return "", fmt.Errorf("the type %s is unknown, so the value (%v) can not be serialized", t, value)
}
