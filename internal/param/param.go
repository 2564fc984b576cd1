package param

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidParameter is matched by every ConfigError via errors.Is.
var ErrInvalidParameter = errors.New("invalid parameter")

// ConfigError reports a parameter value that violates its declared constraint.
type ConfigError struct {
	Name   string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid value %q for parameter %q: %s", e.Value, e.Name, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidParameter
}

// Kind names the value type of a field.
type Kind string

// Field kinds.
const (
	KindInt  Kind = "int"
	KindBool Kind = "bool"
)

// Field is one entry of a parameter table. Fields are built with Int64, Int
// or Bool and refined with the chained setters before being handed to
// NewTable.
type Field struct {
	name    string
	aliases []string
	kind    Kind
	def     string
	desc    string
	lower   *int64
	upper   *int64

	// parse validates s and returns a closure that stores the parsed value,
	// along with the value's canonical text.
	parse   func(s string) (func(), string, error)
	current func() string
}

// Int64 declares an int64 field bound to dst.
func Int64(name string, dst *int64, def int64) *Field {
	f := &Field{name: name, kind: KindInt, def: strconv.FormatInt(def, 10)}
	f.parse = func(s string) (func(), string, error) {
		v, err := f.parseInt(s, 64)
		if err != nil {
			return nil, "", err
		}
		return func() { *dst = v }, strconv.FormatInt(v, 10), nil
	}
	f.current = func() string { return strconv.FormatInt(*dst, 10) }
	return f
}

// Int declares an int field bound to dst.
func Int(name string, dst *int, def int) *Field {
	f := &Field{name: name, kind: KindInt, def: strconv.Itoa(def)}
	f.parse = func(s string) (func(), string, error) {
		v, err := f.parseInt(s, strconv.IntSize)
		if err != nil {
			return nil, "", err
		}
		return func() { *dst = int(v) }, strconv.FormatInt(v, 10), nil
	}
	f.current = func() string { return strconv.Itoa(*dst) }
	return f
}

// Bool declares a bool field bound to dst. Accepted spellings are those of
// strconv.ParseBool.
func Bool(name string, dst *bool, def bool) *Field {
	f := &Field{name: name, kind: KindBool, def: strconv.FormatBool(def)}
	f.parse = func(s string) (func(), string, error) {
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, "", f.invalid(s, "not a boolean")
		}
		return func() { *dst = v }, strconv.FormatBool(v), nil
	}
	f.current = func() string { return strconv.FormatBool(*dst) }
	return f
}

// Alias registers an alternate name that binds to the same field.
func (f *Field) Alias(alias string) *Field {
	f.aliases = append(f.aliases, alias)
	return f
}

// LowerBound sets the inclusive minimum of an integer field.
func (f *Field) LowerBound(v int64) *Field {
	f.lower = &v
	return f
}

// UpperBound sets the inclusive maximum of an integer field.
func (f *Field) UpperBound(v int64) *Field {
	f.upper = &v
	return f
}

// Describe attaches a human readable description.
func (f *Field) Describe(desc string) *Field {
	f.desc = desc
	return f
}

// Name returns the canonical name of the field.
func (f *Field) Name() string {
	return f.name
}

func (f *Field) parseInt(s string, bits int) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
	if err != nil {
		return 0, f.invalid(s, "not an integer")
	}
	if f.lower != nil && v < *f.lower {
		return 0, f.invalid(s, fmt.Sprintf("must be >= %d", *f.lower))
	}
	if f.upper != nil && v > *f.upper {
		return 0, f.invalid(s, fmt.Sprintf("must be <= %d", *f.upper))
	}
	return v, nil
}

func (f *Field) invalid(value, reason string) *ConfigError {
	return &ConfigError{Name: f.name, Value: value, Reason: reason}
}

// FieldInfo describes a field for documentation and API listings.
type FieldInfo struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Kind        Kind     `json:"kind"`
	Default     string   `json:"default"`
	Description string   `json:"description,omitempty"`
	LowerBound  *int64   `json:"lower_bound,omitempty"`
	UpperBound  *int64   `json:"upper_bound,omitempty"`
}

func (f *Field) info() FieldInfo {
	fi := FieldInfo{
		Name:        f.name,
		Kind:        f.kind,
		Default:     f.def,
		Description: f.desc,
	}
	if len(f.aliases) > 0 {
		fi.Aliases = append([]string(nil), f.aliases...)
	}
	if f.lower != nil {
		lo := *f.lower
		fi.LowerBound = &lo
	}
	if f.upper != nil {
		hi := *f.upper
		fi.UpperBound = &hi
	}
	return fi
}
