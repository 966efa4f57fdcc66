// Package catalog resolves the catalog record of an astronomical object.
//
// A record is fetched once per pipeline invocation and is read-only to the
// rest of the service. Backends: SQLite (local dataset), Postgres, the
// SkyServer web service (see package skyserver) and an in-memory table.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotFound is returned when the object id is not present in the catalog.
var ErrNotFound = errors.New("object not found")

// Lookup resolves an object's base record by id.
type Lookup interface {
	Get(ctx context.Context, id string) (*Record, error)
}

// Sampler is implemented by backends that can pick a random object id.
type Sampler interface {
	RandomID(ctx context.Context) (string, error)
}

// Record is the catalog row for one object. Field values are float64,
// string or nil (null).
type Record struct {
	ID     string
	Fields map[string]any
}

// NewRecord builds a record, normalising numeric field values to float64.
func NewRecord(id string, fields map[string]any) *Record {
	rec := &Record{ID: id, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		rec.Fields[k] = normalize(v)
	}
	return rec
}

// Float returns a numeric field. ok is false for missing, null or non-numeric values.
func (r *Record) Float(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Fields[name].(float64)
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Int returns a numeric field rounded to the nearest integer.
func (r *Record) Int(name string) (int64, bool) {
	v, ok := r.Float(name)
	if !ok {
		return 0, false
	}
	return int64(math.Round(v)), true
}

// Text returns a string field, or "" when absent.
func (r *Record) Text(name string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Fields[name].(string)
	return s
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{ID: r.ID, Fields: make(map[string]any, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// AsMap returns the record as a plain map including the "objid" key.
func (r *Record) AsMap() map[string]any {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["objid"] = r.ID
	return m
}

// NormalizeID trims an object id and rejects empty ones.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty object id")
	}
	return id, nil
}

// decodeRecord parses the JSON document stored by the SQL backends.
func decodeRecord(id string, data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	delete(fields, "objid")
	return NewRecord(id, fields), nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	return data, nil
}

// parseField turns a CSV cell into a field value.
func parseField(s string) any {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
