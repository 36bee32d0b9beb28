package entity

import (
	"encoding/json"
	"maps"
)

// RecordFields is the constructor input for Record.
type RecordFields struct {
	Code    *int64
	Name    string
	City    string
	State   string
	Year    *int16
	Metrics map[string]int64
	Line    int
}

// Record is one institution row after mapping. It is immutable: accessors
// return copies and there are no setters.
type Record struct {
	code    *int64
	name    string
	city    string
	state   string
	year    *int16
	metrics map[string]int64
	line    int
}

func NewRecord(f RecordFields) Record {
	r := Record{
		name:    f.Name,
		city:    f.City,
		state:   f.State,
		metrics: maps.Clone(f.Metrics),
		line:    f.Line,
	}
	if f.Code != nil {
		v := *f.Code
		r.code = &v
	}
	if f.Year != nil {
		v := *f.Year
		r.year = &v
	}
	if r.metrics == nil {
		r.metrics = map[string]int64{}
	}
	return r
}

func (r Record) Code() (int64, bool) {
	if r.code == nil {
		return 0, false
	}
	return *r.code, true
}

func (r Record) Name() string  { return r.name }
func (r Record) City() string  { return r.city }
func (r Record) State() string { return r.state }

func (r Record) Year() (int16, bool) {
	if r.year == nil {
		return 0, false
	}
	return *r.year, true
}

func (r Record) Metric(name string) (int64, bool) {
	v, ok := r.metrics[name]
	return v, ok
}

func (r Record) Metrics() map[string]int64 { return maps.Clone(r.metrics) }

// Line is the 1-based source line the record was mapped from.
func (r Record) Line() int { return r.line }

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code    *int64           `json:"code"`
		Name    string           `json:"name,omitempty"`
		City    string           `json:"city,omitempty"`
		State   string           `json:"state,omitempty"`
		Year    *int16           `json:"year,omitempty"`
		Metrics map[string]int64 `json:"metrics"`
		Line    int              `json:"line"`
	}{r.code, r.name, r.city, r.state, r.year, r.metrics, r.line})
}
