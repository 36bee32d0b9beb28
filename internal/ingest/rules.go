package ingest

import (
	"strconv"
	"strings"
)

// RowContext is what a rule sees of one data row.
type RowContext struct {
	Header   Header
	Values   []string
	Line     int
	Filename string
}

// Value returns the trimmed cell of column. ok is false when the header lacks
// the column or the row is too short to hold it.
func (c RowContext) Value(column string) (string, bool) {
	pos, ok := c.Header.Position(column)
	if !ok || pos >= len(c.Values) {
		return "", false
	}
	return strings.TrimSpace(c.Values[pos]), true
}

// Rule inspects one row. A Fatal rule stops the file on its first finding.
type Rule struct {
	Name  string
	Fatal bool
	Check func(RowContext) []ValidationError
}

func MandatoryRule(schema Schema) Rule {
	var required []string
	for _, c := range schema.Columns {
		if c.Required {
			required = append(required, c.Name)
		}
	}
	return Rule{
		Name: "mandatory",
		Check: func(rc RowContext) []ValidationError {
			var errs []ValidationError
			for _, col := range required {
				if v, _ := rc.Value(col); v == "" {
					errs = append(errs, ValidationError{Line: rc.Line, Column: col, Message: "value is required"})
				}
			}
			return errs
		},
	}
}

// NumericRule accepts blank cells; required-ness belongs to MandatoryRule.
func NumericRule(schema Schema) Rule {
	var numeric []string
	for _, c := range schema.Columns {
		if c.Numeric && !c.Key {
			numeric = append(numeric, c.Name)
		}
	}
	return Rule{
		Name: "numeric",
		Check: func(rc RowContext) []ValidationError {
			var errs []ValidationError
			for _, col := range numeric {
				v, _ := rc.Value(col)
				if v == "" {
					continue
				}
				if n, err := strconv.ParseInt(v, 10, 64); err != nil || n < 0 {
					errs = append(errs, ValidationError{
						Line:    rc.Line,
						Column:  col,
						Message: "must be a non-negative integer, got " + strconv.Quote(v),
					})
				}
			}
			return errs
		},
	}
}

// PrimaryKeyRule requires the key column to hold a strictly positive integer.
func PrimaryKeyRule(schema Schema) Rule {
	key, _ := schema.KeyColumn()
	return Rule{
		Name:  "primary-key",
		Fatal: true,
		Check: func(rc RowContext) []ValidationError {
			v, _ := rc.Value(key.Name)
			if v == "" {
				return []ValidationError{{Line: rc.Line, Column: key.Name, Message: "key value is required"}}
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return []ValidationError{{
					Line:    rc.Line,
					Column:  key.Name,
					Message: "key must be a positive integer, got " + strconv.Quote(v),
				}}
			}
			return nil
		},
	}
}

// RuleChain runs rules in order and aggregates non-fatal findings.
type RuleChain struct {
	rules []Rule
}

func NewRuleChain(rules ...Rule) RuleChain {
	return RuleChain{rules: append([]Rule(nil), rules...)}
}

// DefaultRuleChain is primary key, mandatory, numeric. Schemas without a key
// column skip the primary key rule.
func DefaultRuleChain(schema Schema) RuleChain {
	var rules []Rule
	if _, ok := schema.KeyColumn(); ok {
		rules = append(rules, PrimaryKeyRule(schema))
	}
	return NewRuleChain(append(rules, MandatoryRule(schema), NumericRule(schema))...)
}

func (c RuleChain) Names() []string {
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Name
	}
	return out
}

// Apply returns the row's aggregated findings, or a *RowFatalError as soon as a
// fatal rule reports anything.
func (c RuleChain) Apply(rc RowContext) ([]ValidationError, error) {
	var collected []ValidationError
	for _, r := range c.rules {
		errs := r.Check(rc)
		if len(errs) == 0 {
			continue
		}
		if r.Fatal {
			return nil, &RowFatalError{Filename: rc.Filename, Rule: r.Name, Err: errs[0]}
		}
		collected = append(collected, errs...)
	}
	return collected, nil
}
