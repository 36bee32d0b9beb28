package ingest

import (
	"strconv"
	"strings"

	"import-worker-service/internal/entity"
)

type metricColumn struct {
	name string
	pos  int
}

// RecordFactory maps validated rows into records. Positions are resolved once
// per header; mapping never fails, unparsable numbers become absent values.
type RecordFactory struct {
	fixed   map[Binding]int
	metrics []metricColumn
}

func NewRecordFactory(schema Schema, header Header) *RecordFactory {
	f := &RecordFactory{fixed: map[Binding]int{}}
	for _, c := range schema.Columns {
		pos, ok := header.Position(c.Name)
		if !ok {
			continue
		}
		switch c.Binding {
		case BindNone:
		case BindMetric:
			f.metrics = append(f.metrics, metricColumn{name: c.Name, pos: pos})
		default:
			f.fixed[c.Binding] = pos
		}
	}
	return f
}

func (f *RecordFactory) Map(values []string, line int) entity.Record {
	fields := entity.RecordFields{
		Name:    f.text(values, BindName),
		City:    f.text(values, BindCity),
		State:   f.text(values, BindState),
		Metrics: make(map[string]int64, len(f.metrics)),
		Line:    line,
	}
	if v, ok := f.cell(values, BindCode); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields.Code = &n
		}
	}
	if v, ok := f.cell(values, BindYear); ok {
		if n, err := strconv.ParseInt(v, 10, 16); err == nil {
			y := int16(n)
			fields.Year = &y
		}
	}
	for _, m := range f.metrics {
		var n int64
		if m.pos < len(values) {
			if parsed, err := strconv.ParseInt(strings.TrimSpace(values[m.pos]), 10, 64); err == nil && parsed >= 0 {
				n = parsed
			}
		}
		fields.Metrics[m.name] = n
	}
	return entity.NewRecord(fields)
}

func (f *RecordFactory) cell(values []string, b Binding) (string, bool) {
	pos, ok := f.fixed[b]
	if !ok || pos >= len(values) {
		return "", false
	}
	return strings.TrimSpace(values[pos]), true
}

func (f *RecordFactory) text(values []string, b Binding) string {
	v, _ := f.cell(values, b)
	return v
}
