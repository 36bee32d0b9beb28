package ingest

import (
	"fmt"
	"strings"
)

type HeaderErrorKind string

const (
	HeaderEmpty             HeaderErrorKind = "empty"
	HeaderUnexpectedColumns HeaderErrorKind = "unexpected_columns"
	HeaderMissingColumns    HeaderErrorKind = "missing_columns"
	HeaderDuplicateColumns  HeaderErrorKind = "duplicate_columns"
)

// HeaderError reports a header that is not set-equal to the schema. When both
// extra and missing columns exist Kind is HeaderUnexpectedColumns and both
// lists are filled.
type HeaderError struct {
	Kind       HeaderErrorKind
	Unexpected []string
	Missing    []string
	Duplicates []string
}

func (e *HeaderError) Error() string {
	switch e.Kind {
	case HeaderEmpty:
		return "header row is empty"
	case HeaderDuplicateColumns:
		return "duplicate columns: " + strings.Join(e.Duplicates, ", ")
	case HeaderMissingColumns:
		return "missing columns: " + strings.Join(e.Missing, ", ")
	default:
		msg := "unexpected columns: " + strings.Join(e.Unexpected, ", ")
		if len(e.Missing) > 0 {
			msg += "; missing columns: " + strings.Join(e.Missing, ", ")
		}
		return msg
	}
}

// Header is a validated header row in file order.
type Header struct {
	names []string
	index map[string]int
}

func NewHeader(names []string) Header {
	h := Header{names: append([]string(nil), names...), index: make(map[string]int, len(names))}
	for i, n := range h.names {
		h.index[n] = i
	}
	return h
}

func (h Header) Names() []string { return append([]string(nil), h.names...) }

func (h Header) Len() int { return len(h.names) }

func (h Header) Position(column string) (int, bool) {
	i, ok := h.index[column]
	return i, ok
}

// ValidateHeader trims the row and compares it against the schema column set.
// It does not look at anything past the first row.
func ValidateHeader(row []string, schema Schema) (Header, error) {
	names := make([]string, len(row))
	blank := true
	for i, f := range row {
		names[i] = normalizeHeaderCell(f)
		if names[i] != "" {
			blank = false
		}
	}
	if blank {
		return Header{}, &HeaderError{Kind: HeaderEmpty}
	}
	// Trailing delimiters produce empty cells; they are not columns.
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}

	seen := make(map[string]int, len(names))
	var dups []string
	for _, n := range names {
		seen[n]++
		if seen[n] == 2 {
			dups = append(dups, n)
		}
	}
	if len(dups) > 0 {
		return Header{}, &HeaderError{Kind: HeaderDuplicateColumns, Duplicates: dups}
	}

	var unexpected, missing []string
	for _, n := range names {
		if _, ok := schema.Column(n); !ok {
			unexpected = append(unexpected, displayName(n))
		}
	}
	for _, c := range schema.Columns {
		if _, ok := seen[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	switch {
	case len(unexpected) > 0:
		return Header{}, &HeaderError{Kind: HeaderUnexpectedColumns, Unexpected: unexpected, Missing: missing}
	case len(missing) > 0:
		return Header{}, &HeaderError{Kind: HeaderMissingColumns, Missing: missing}
	}
	return NewHeader(names), nil
}

func normalizeHeaderCell(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
}

func displayName(n string) string {
	if n == "" {
		return fmt.Sprintf("%q", n)
	}
	return n
}
