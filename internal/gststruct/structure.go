// Package gststruct implements the string serialization grammar of
// GstStructure, GstCaps and GstCapsFeatures.
package gststruct

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/logging"
)

const (
	asciiSpaces  = `(\\?[ \t\n\r\f\v])*`
	endFormat    = `(?P<end>` + asciiSpaces + `)`
	nameFormat   = `(?P<name>[a-zA-Z][a-zA-Z0-9/_.:-]*)`
	simpleString = `[a-zA-Z0-9_+/:.-]+`
	keyFormat    = `(?P<key>` + simpleString + `)`
	typeFormat   = `(?P<type>` + simpleString + `)`
	basicValue   = `(?P<value>("(\\.|[^"])*")|(` + simpleString + `))`
)

var (
	nameRegex = regexp.MustCompile(`^` + nameFormat + `$`)
	keyRegex  = regexp.MustCompile(`^` + keyFormat + `$`)
	typeRegex = regexp.MustCompile(`^` + typeFormat + `$`)

	parseNameRegex   = regexp.MustCompile(`^` + asciiSpaces + nameFormat + endFormat)
	fieldStartRegex  = regexp.MustCompile(`^` + asciiSpaces + keyFormat + asciiSpaces + `=` + endFormat)
	fieldTypeRegex   = regexp.MustCompile(`^` + asciiSpaces + `(\(` + asciiSpaces + typeFormat + asciiSpaces + `\))?` + endFormat)
	fieldValueRegex  = regexp.MustCompile(`^` + asciiSpaces + basicValue + endFormat)
	endRegex         = regexp.MustCompile(`^` + endFormat)
	collectionCloser = map[byte]byte{'[': ']', '{': '}', '<': '>'}
)

// Field is a typed structure entry.
type Field struct {
	Key   string
	Type  string
	Value any
}

// Structure is an ordered set of typed fields with a name.
type Structure struct {
	Name   string
	fields []Field
}

// NewStructure creates an empty structure, validating its name.
func NewStructure(name string) (*Structure, error) {
	if name == "" {
		name = "Unnamed"
	}
	if err := checkRegex(name, nameRegex, "name"); err != nil {
		return nil, err
	}
	return &Structure{Name: name}, nil
}

func checkRegex(s string, re *regexp.Regexp, what string) error {
	if !re.MatchString(s) {
		return &InvalidValueError{Name: what, Value: s, Expect: "to match the regular expression " + re.String()}
	}
	return nil
}

func (s *Structure) index(key string) int {
	for i := range s.fields {
		if s.fields[i].Key == key {
			return i
		}
	}
	return -1
}

// Len returns the number of fields.
func (s *Structure) Len() int { return len(s.fields) }

// Fields returns a copy of the fields in insertion order.
func (s *Structure) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Has reports whether key is set.
func (s *Structure) Has(key string) bool { return s.index(key) >= 0 }

// Get returns the value stored under key.
func (s *Structure) Get(key string) (any, bool) {
	i := s.index(key)
	if i < 0 {
		return nil, false
	}
	return s.fields[i].Value, true
}

// GetTypeName returns the type of the field under key. Unknown types carry
// the UnknownPrefix marker.
func (s *Structure) GetTypeName(key string) (string, bool) {
	i := s.index(key)
	if i < 0 {
		return "", false
	}
	return s.fields[i].Type, true
}

// GetTyped returns the value under key only when its type is typ.
func (s *Structure) GetTyped(key, typ string) (any, bool) {
	i := s.index(key)
	if i < 0 {
		return nil, false
	}
	typ = CanonicalType(typ)
	if s.fields[i].Type != typ {
		logging.Debug("structure field has unexpected type",
			zap.String("structure", s.Name), zap.String("key", key),
			zap.String("type", s.fields[i].Type), zap.String("expected", typ))
		return nil, false
	}
	return s.fields[i].Value, true
}

// Values returns every value in field order.
func (s *Structure) Values() []any {
	out := make([]any, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f.Value)
	}
	return out
}

// ValuesOfType returns every value whose field has type typ.
func (s *Structure) ValuesOfType(typ string) []any {
	typ = CanonicalType(typ)
	var out []any
	for _, f := range s.fields {
		if f.Type == typ {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set stores a typed value. Values of types that are not known must be
// given already serialized as a string and are marked unknown.
func (s *Structure) Set(key, typ string, value any) error {
	if err := checkRegex(key, keyRegex, "key"); err != nil {
		return err
	}
	typ = CanonicalType(typ)
	unknown := true
	if isUnknownType(typ) {
		if t := stripUnknown(typ); t != "" {
			if err := checkRegex(t, typeRegex, "type"); err != nil {
				return err
			}
		}
	} else {
		if err := checkRegex(typ, typeRegex, "type"); err != nil {
			return err
		}
		if IsKnownType(typ) {
			v, err := normalizeValue(typ, value)
			if err != nil {
				return err
			}
			value = v
			unknown = false
		}
	}

	if unknown {
		if err := checkUnknownTypedValue(value); err != nil {
			return err
		}
		if !isUnknownType(typ) {
			logging.Debug("storing value of unknown type as given",
				zap.String("type", typ), zap.Any("value", value))
			typ = UnknownPrefix + typ
		}
	}

	f := Field{Key: key, Type: typ, Value: value}
	if i := s.index(key); i >= 0 {
		s.fields[i] = f
	} else {
		s.fields = append(s.fields, f)
	}
	return nil
}

// Remove deletes key if present.
func (s *Structure) Remove(key string) {
	if i := s.index(key); i >= 0 {
		s.fields = append(s.fields[:i], s.fields[i+1:]...)
	}
}

func normalizeValue(typ string, value any) (any, error) {
	wrong := func(expect string) error {
		return &InvalidValueError{Name: "value", Value: value, Expect: fmt.Sprintf("%s for the %s type", expect, typ)}
	}
	switch {
	case isIntType(typ):
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		}
		return nil, wrong("an integer")
	case isUintType(typ):
		switch v := value.(type) {
		case uint:
			return uint64(v), nil
		case uint32:
			return uint64(v), nil
		case uint64:
			return v, nil
		case int:
			if v >= 0 {
				return uint64(v), nil
			}
		case int64:
			if v >= 0 {
				return uint64(v), nil
			}
		}
		return nil, wrong("a positive integer")
	case isFloatType(typ):
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		}
		return nil, wrong("a float")
	}

	switch typ {
	case TypeBoolean:
		if _, ok := value.(bool); ok {
			return value, nil
		}
		return nil, wrong("a bool")
	case TypeFraction:
		switch v := value.(type) {
		case Fraction:
			return v, nil
		case string:
			f, err := ParseFraction(v)
			if err != nil {
				return nil, wrong("a fraction")
			}
			return f, nil
		}
		return nil, wrong("a Fraction or string")
	case TypeString:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case string:
			return v, nil
		case *string:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		}
		return nil, wrong("a string or nil")
	case TypeStructure:
		if v, ok := value.(*Structure); ok && v != nil {
			return v, nil
		}
		return nil, wrong("a *Structure")
	case TypeCaps:
		if v, ok := value.(*Caps); ok && v != nil {
			return v, nil
		}
		return nil, wrong("a *Caps")
	}
	return value, nil
}

func checkUnknownTypedValue(value any) error {
	raw, ok := value.(string)
	if !ok {
		return &InvalidValueError{Name: "value", Value: value, Expect: "unknown-typed values to be strings"}
	}
	typ, parsed, _, err := parseValue(raw, false)
	if err != nil {
		return &InvalidValueError{Name: "value", Value: raw, Expect: fmt.Sprintf("unknown-typed values to be in a serialized format (%v)", err)}
	}
	if typ != "" {
		return &InvalidValueError{Name: "value", Value: raw, Expect: "unknown-typed values to not start with a type specification"}
	}
	if parsed != raw {
		return &InvalidValueError{Name: "value", Value: raw, Expect: "unknown-typed values to be the same as their parsed value " + fmt.Sprint(parsed)}
	}
	return nil
}

func (s *Structure) fieldString(f Field) (string, error) {
	typ := f.Type
	var value string
	if isUnknownType(typ) {
		typ = stripUnknown(typ)
		raw, _ := f.Value.(string)
		value = raw
	} else {
		v, err := SerializeValue(typ, f.Value)
		if err != nil {
			return "", err
		}
		value = v
	}
	if typ == "" {
		return fmt.Sprintf("%s=%s", f.Key, value), nil
	}
	return fmt.Sprintf("%s=(%s)%s", f.Key, typ, value), nil
}

func (s *Structure) fieldsString() string {
	var b strings.Builder
	for _, f := range s.fields {
		fs, err := s.fieldString(f)
		if err != nil {
			logging.Warn("skipping unserializable structure field", zap.String("key", f.Key), zap.Error(err))
			continue
		}
		b.WriteString(", ")
		b.WriteString(fs)
	}
	return b.String()
}

// String serializes the structure as "name, key=(type)value, ...;".
func (s *Structure) String() string {
	return s.Name + s.fieldsString() + ";"
}

// NewStructureFromString parses a serialized structure.
func NewStructureFromString(read string) (*Structure, error) {
	s, _, err := ParseStructure(read)
	return s, err
}

// ParseStructure parses one structure from read and returns the input that
// follows its terminating ';'.
func ParseStructure(read string) (*Structure, string, error) {
	name, rest, err := parseName(read)
	if err != nil {
		return nil, read, err
	}
	s := &Structure{Name: name}
	rest, err = s.parseFields(rest)
	if err != nil {
		return nil, rest, err
	}
	return s, rest, nil
}

func group(re *regexp.Regexp, m []int, read, name string) (string, bool) {
	i := re.SubexpIndex(name)
	if i < 0 || m[2*i] < 0 {
		return "", false
	}
	return read[m[2*i]:m[2*i+1]], true
}

func groupEnd(re *regexp.Regexp, m []int, name string) int {
	return m[2*re.SubexpIndex(name)+1]
}

func parseName(read string) (string, string, error) {
	m := parseNameRegex.FindStringSubmatchIndex(read)
	if m == nil {
		return "", read, newDeserializeError(read, "does not start with a correct name")
	}
	name, _ := group(parseNameRegex, m, read, "name")
	return name, read[groupEnd(parseNameRegex, m, "end"):], nil
}

func (s *Structure) parseFields(read string) (string, error) {
	for read != "" && read[0] != ';' {
		if read[0] != ',' {
			return read, newDeserializeError(read, "does not separate fields with commas")
		}
		read = read[1:]
		m := fieldStartRegex.FindStringSubmatchIndex(read)
		if m == nil {
			return read, newDeserializeError(read, "does not have a valid 'key=...' format")
		}
		key, _ := group(fieldStartRegex, m, read, "key")
		read = read[groupEnd(fieldStartRegex, m, "end"):]

		typ, value, rest, err := parseValue(read, true)
		if err != nil {
			return read, err
		}
		read = rest
		s.fields = append(s.fields, Field{Key: key, Type: typ, Value: value})
	}
	if read != "" {
		read = read[1:]
	}
	return read, nil
}

// parseValue reads an optionally typed value. With deserialize set, values
// of known types are converted and untyped scalars become strings.
func parseValue(read string, deserialize bool) (string, any, string, error) {
	m := fieldTypeRegex.FindStringSubmatchIndex(read)
	typ, hasType := group(fieldTypeRegex, m, read, "type")
	typ = CanonicalType(typ)
	read = read[groupEnd(fieldTypeRegex, m, "end"):]

	if read != "" && collectionCloser[read[0]] != 0 {
		raw, rest, err := parseCollection(read)
		if err != nil {
			return "", nil, rest, err
		}
		if !hasType {
			if deserialize {
				return UnknownPrefix, raw, rest, nil
			}
			return "", raw, rest, nil
		}
		return UnknownPrefix + typ, raw, rest, nil
	}

	vm := fieldValueRegex.FindStringSubmatchIndex(read)
	if vm == nil {
		return "", nil, read, newDeserializeError(read, "does not have a valid value format")
	}
	raw, _ := group(fieldValueRegex, vm, read, "value")
	rest := read[groupEnd(fieldValueRegex, vm, "end"):]

	if !deserialize {
		if hasType {
			return UnknownPrefix + typ, raw, rest, nil
		}
		return "", raw, rest, nil
	}

	if !hasType {
		typ = TypeString
	}
	if !IsKnownType(typ) {
		logging.Debug("keeping value of unknown type as given", zap.String("type", typ), zap.String("value", raw))
		return UnknownPrefix + typ, raw, rest, nil
	}
	value, err := DeserializeValue(typ, raw)
	if err != nil {
		return "", nil, rest, newDeserializeError(rest, "contains an invalid typed value (%v)", err)
	}
	return typ, value, rest, nil
}

// parseCollection keeps a range, list or array in serialized form,
// normalizing the separators.
func parseCollection(read string) (string, string, error) {
	start := read[0]
	end := collectionCloser[start]
	read = read[1:]

	var b strings.Builder
	b.WriteByte(start)
	b.WriteByte(' ')
	first := true
	for {
		read = strings.TrimLeft(read, " \t\n\r\f\v")
		if read == "" || read[0] == end {
			break
		}
		if first {
			first = false
		} else {
			if read[0] != ',' {
				return "", read, newDeserializeError(read, "does not contain a comma between listed items")
			}
			b.WriteString(", ")
			read = read[1:]
		}
		typ, value, rest, err := parseValue(read, false)
		if err != nil {
			return "", rest, err
		}
		if typ != "" {
			b.WriteString("(" + stripUnknown(typ) + ")")
		}
		fmt.Fprint(&b, value)
		read = rest
	}
	if read == "" {
		return "", read, newDeserializeError(read, "ended before %c could be found", end)
	}
	read = read[1:]
	m := endRegex.FindStringSubmatchIndex(read)
	read = read[groupEnd(endRegex, m, "end"):]
	b.WriteByte(' ')
	b.WriteByte(end)
	return b.String(), read, nil
}
