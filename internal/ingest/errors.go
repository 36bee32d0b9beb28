package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// maxListedErrors caps how many row errors end up in an error string.
const maxListedErrors = 20

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")
	ErrReaderClosed      = errors.New("reader closed")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrInvalidDelimiter  = errors.New("invalid delimiter")
)

type ValidationError struct {
	Line    int
	Column  string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("line %d: column %s: %s", e.Line, e.Column, e.Message)
}

// AggregatedValidationError bundles every row defect found in one pass over a file.
type AggregatedValidationError struct {
	Filename string
	Errors   []ValidationError
}

func (e *AggregatedValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d validation error(s): ", e.Filename, len(e.Errors))
	for i, ve := range e.Errors {
		if i == maxListedErrors {
			fmt.Fprintf(&b, "; and %d more", len(e.Errors)-maxListedErrors)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(ve.Error())
	}
	return b.String()
}

// Columns returns the distinct column names mentioned by the bundled errors.
func (e *AggregatedValidationError) Columns() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, ve := range e.Errors {
		if _, ok := seen[ve.Column]; ok {
			continue
		}
		seen[ve.Column] = struct{}{}
		out = append(out, ve.Column)
	}
	return out
}

// RowFatalError is raised by a rule flagged fatal; it stops the whole file.
type RowFatalError struct {
	Filename string
	Rule     string
	Err      ValidationError
}

func (e *RowFatalError) Error() string {
	return fmt.Sprintf("%s: %s rule rejected %s", e.Filename, e.Rule, e.Err.Error())
}

func (e *RowFatalError) Unwrap() error { return e.Err }

// InfrastructureError marks a broken stream or collaborator, as opposed to bad data.
type InfrastructureError struct {
	Op       string
	Filename string
	Err      error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Filename, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// IsDataError reports whether err is caused by file content rather than infrastructure.
func IsDataError(err error) bool {
	var (
		he *HeaderError
		ae *AggregatedValidationError
		fe *RowFatalError
	)
	return errors.As(err, &he) || errors.As(err, &ae) || errors.As(err, &fe) || errors.Is(err, ErrSkipLimitExceeded)
}
