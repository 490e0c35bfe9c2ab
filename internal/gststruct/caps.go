package gststruct

import (
	"regexp"
	"strings"
)

// MemorySystemMemory is the default caps feature.
const MemorySystemMemory = "memory:SystemMemory"

var (
	featureRegex      = regexp.MustCompile(`^[a-zA-Z]*:[a-zA-Z][a-zA-Z0-9]*$`)
	parseFeatureRegex = regexp.MustCompile(`^ *(?P<feature>[a-zA-Z]*:[a-zA-Z][a-zA-Z0-9]*)(?P<end>)`)
	nameFeaturesRegex = regexp.MustCompile(`^` + asciiSpaces + nameFormat + `(\((?P<features>[^)]*)\))?` + endFormat)
)

// CapsFeatures is the set of features attached to a caps structure.
type CapsFeatures struct {
	Features []string
	IsAny    bool
}

// NewCapsFeatures validates and returns the given features.
func NewCapsFeatures(features ...string) (*CapsFeatures, error) {
	for _, f := range features {
		if err := checkRegex(f, featureRegex, "feature"); err != nil {
			return nil, err
		}
	}
	return &CapsFeatures{Features: features}, nil
}

// NewAnyCapsFeatures returns the ANY features.
func NewAnyCapsFeatures() *CapsFeatures {
	return &CapsFeatures{IsAny: true}
}

// ParseCapsFeatures parses "ANY" or a comma separated list of features.
func ParseCapsFeatures(read string) (*CapsFeatures, error) {
	if read == "ANY" {
		return NewAnyCapsFeatures(), nil
	}
	var features []string
	first := true
	for read != "" {
		if first {
			first = false
		} else {
			if read[0] != ',' {
				return nil, newDeserializeError(read, "does not separate features with commas")
			}
			read = read[1:]
		}
		m := parseFeatureRegex.FindStringSubmatchIndex(read)
		if m == nil {
			return nil, newDeserializeError(read, "does not match the regular expression %s", parseFeatureRegex.String())
		}
		f, _ := group(parseFeatureRegex, m, read, "feature")
		features = append(features, f)
		read = read[groupEnd(parseFeatureRegex, m, "end"):]
	}
	return NewCapsFeatures(features...)
}

// IsDefault reports whether the features are empty or only system memory.
func (f *CapsFeatures) IsDefault() bool {
	if f == nil {
		return true
	}
	if f.IsAny {
		return false
	}
	return len(f.Features) == 0 || (len(f.Features) == 1 && f.Features[0] == MemorySystemMemory)
}

// Contains reports whether feature is part of the set.
func (f *CapsFeatures) Contains(feature string) bool {
	if f == nil {
		return false
	}
	if f.IsAny {
		return true
	}
	for _, x := range f.Features {
		if x == feature {
			return true
		}
	}
	return false
}

func (f *CapsFeatures) String() string {
	if f == nil {
		return ""
	}
	if f.IsAny && len(f.Features) == 0 {
		return "ANY"
	}
	return strings.Join(f.Features, ", ")
}

// Caps is a list of structures, each with its features.
type Caps struct {
	Structures []*Structure
	Features   []*CapsFeatures
	IsAny      bool
}

// NewAnyCaps returns caps matching anything.
func NewAnyCaps() *Caps { return &Caps{IsAny: true} }

// Len returns the number of structures.
func (c *Caps) Len() int { return len(c.Structures) }

// IsEmpty reports whether the caps hold no structure and are not ANY.
func (c *Caps) IsEmpty() bool { return !c.IsAny && len(c.Structures) == 0 }

// Structure returns the structure at index i.
func (c *Caps) Structure(i int) *Structure { return c.Structures[i] }

// FeaturesAt returns the features of the structure at index i.
func (c *Caps) FeaturesAt(i int) *CapsFeatures { return c.Features[i] }

// Append adds a structure. Nil features are the default features.
func (c *Caps) Append(s *Structure, f *CapsFeatures) {
	if f == nil {
		f = &CapsFeatures{}
	}
	c.Structures = append(c.Structures, s)
	c.Features = append(c.Features, f)
}

// ParseCaps parses "ANY", "EMPTY", "NONE" or ';' separated structures,
// each optionally followed by "(features)" after its name.
func ParseCaps(read string) (*Caps, error) {
	switch read {
	case "ANY":
		return NewAnyCaps(), nil
	case "EMPTY", "NONE":
		return &Caps{}, nil
	}

	caps := &Caps{}
	for read != "" {
		m := nameFeaturesRegex.FindStringSubmatchIndex(read)
		if m == nil {
			return nil, newDeserializeError(read, "does not match the regular expression %s", nameFeaturesRegex.String())
		}
		name, _ := group(nameFeaturesRegex, m, read, "name")
		rawFeatures, hasFeatures := group(nameFeaturesRegex, m, read, "features")
		read = read[groupEnd(nameFeaturesRegex, m, "end"):]

		features := &CapsFeatures{}
		if hasFeatures {
			f, err := ParseCapsFeatures(rawFeatures)
			if err != nil {
				return nil, err
			}
			features = f
		}

		s := &Structure{Name: name}
		rest, err := s.parseFields(read)
		if err != nil {
			return nil, err
		}
		read = rest
		caps.Append(s, features)
	}
	return caps, nil
}

// String serializes the caps. Default features are omitted.
func (c *Caps) String() string {
	if c.IsAny {
		return "ANY"
	}
	if len(c.Structures) == 0 {
		return "EMPTY"
	}
	var b strings.Builder
	for i, s := range c.Structures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(s.Name)
		if f := c.Features[i]; !f.IsDefault() {
			b.WriteString("(" + f.String() + ")")
		}
		b.WriteString(s.fieldsString())
	}
	return b.String()
}
