package ingest

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Binding names the Record field a column is mapped into.
type Binding int

const (
	BindNone Binding = iota
	BindCode
	BindName
	BindCity
	BindState
	BindYear
	BindMetric
)

type Column struct {
	Name     string
	Required bool
	Numeric  bool
	Key      bool
	Binding  Binding
}

// Schema is the closed column set of one import type.
type Schema struct {
	Name    string
	Columns []Column
}

var ErrUnknownImportType = errors.New("unknown import type")

func (s Schema) Names() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	return out
}

func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s Schema) KeyColumn() (Column, bool) {
	for _, c := range s.Columns {
		if c.Key {
			return c, true
		}
	}
	return Column{}, false
}

// Check rejects descriptors that the rules and the factory cannot work with.
func (s Schema) Check() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %q: no columns", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	keys := 0
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema %q: blank column name", s.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("schema %q: duplicate column %s", s.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Key {
			keys++
		}
	}
	if keys > 1 {
		return fmt.Errorf("schema %q: %d key columns, at most one allowed", s.Name, keys)
	}
	return nil
}

// Institutions is the census layout shipped with the service.
var Institutions = Schema{
	Name: "institutions",
	Columns: []Column{
		{Name: "CODE", Required: true, Numeric: true, Key: true, Binding: BindCode},
		{Name: "NAME", Required: true, Binding: BindName},
		{Name: "CITY", Required: true, Binding: BindCity},
		{Name: "STATE", Required: true, Binding: BindState},
		{Name: "YEAR", Required: true, Numeric: true, Binding: BindYear},
		{Name: "STUDENTS", Numeric: true, Binding: BindMetric},
		{Name: "TEACHERS", Numeric: true, Binding: BindMetric},
		{Name: "CLASSROOMS", Numeric: true, Binding: BindMetric},
		{Name: "LABORATORIES", Numeric: true, Binding: BindMetric},
	},
}

var (
	schemasMu sync.RWMutex
	schemas   = map[string]Schema{
		Institutions.Name: Institutions,
	}
)

// Register adds an import type. Names are registered once.
func Register(s Schema) error {
	if err := s.Check(); err != nil {
		return err
	}
	schemasMu.Lock()
	defer schemasMu.Unlock()
	if _, dup := schemas[s.Name]; dup {
		return fmt.Errorf("import type %q already registered", s.Name)
	}
	schemas[s.Name] = s
	return nil
}

func Lookup(importType string) (Schema, error) {
	schemasMu.RLock()
	s, ok := schemas[importType]
	schemasMu.RUnlock()
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownImportType, importType)
	}
	return s, nil
}

// ImportTypes lists registered import types in name order.
func ImportTypes() []string {
	schemasMu.RLock()
	out := make([]string, 0, len(schemas))
	for name := range schemas {
		out = append(out, name)
	}
	schemasMu.RUnlock()
	sort.Strings(out)
	return out
}

func KnownImportType(name string) bool {
	return slices.Contains(ImportTypes(), name)
}
