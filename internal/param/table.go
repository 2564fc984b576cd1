package param

import (
	"fmt"
	"sort"
)

// Table binds textual key/value settings onto the fields it was built from.
// A Table is not safe for concurrent use.
type Table struct {
	fields []*Field
	index  map[string]*Field
}

// NewTable builds a table from fields. It fails when two fields share a name
// or alias, or when a default value violates the field's own bounds.
func NewTable(fields ...*Field) (*Table, error) {
	t := &Table{
		fields: fields,
		index:  make(map[string]*Field, len(fields)),
	}

	for _, f := range fields {
		for _, key := range append([]string{f.name}, f.aliases...) {
			if key == "" {
				return nil, fmt.Errorf("field %q: empty name or alias", f.name)
			}
			if prev, ok := t.index[key]; ok {
				return nil, fmt.Errorf("key %q declared by both %q and %q", key, prev.name, f.name)
			}
			t.index[key] = f
		}
		if _, _, err := f.parse(f.def); err != nil {
			return nil, fmt.Errorf("default for %q: %w", f.name, err)
		}
	}

	return t, nil
}

// Init writes every field's default value to its destination.
func (t *Table) Init() {
	for _, f := range t.fields {
		// Defaults were validated by NewTable.
		apply, _, _ := f.parse(f.def)
		apply()
	}
}

// Lookup returns the field bound to a name or alias.
func (t *Table) Lookup(key string) (*Field, bool) {
	f, ok := t.index[key]
	return f, ok
}

// Update parses and applies args, keyed by field name or alias. Every value
// is validated before any field is written, so a returned *ConfigError leaves
// all destinations unchanged. Keys that match no field are returned sorted and
// are not applied.
//
// Naming the same field twice (for example by name and by alias) is allowed
// only when both spellings parse to the same value.
func (t *Table) Update(args map[string]string) ([]string, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type pending struct {
		key       string
		value     string
		canonical string
		apply     func()
	}

	seen := make(map[*Field]pending, len(args))
	var unknown []string

	for _, key := range keys {
		value := args[key]
		f, ok := t.index[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}

		apply, canonical, err := f.parse(value)
		if err != nil {
			return nil, err
		}

		if prev, dup := seen[f]; dup {
			if prev.canonical != canonical {
				return nil, f.invalid(value, fmt.Sprintf("conflicts with %s=%q", prev.key, prev.value))
			}
			continue
		}
		seen[f] = pending{key: key, value: value, canonical: canonical, apply: apply}
	}

	for _, p := range seen {
		p.apply()
	}

	return unknown, nil
}

// Fields describes every field in declaration order.
func (t *Table) Fields() []FieldInfo {
	infos := make([]FieldInfo, 0, len(t.fields))
	for _, f := range t.fields {
		infos = append(infos, f.info())
	}
	return infos
}

// Values returns the current value of every field as text, keyed by name.
func (t *Table) Values() map[string]string {
	values := make(map[string]string, len(t.fields))
	for _, f := range t.fields {
		values[f.name] = f.current()
	}
	return values
}
