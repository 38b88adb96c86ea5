package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"redismap/redis"
)

type IndexKind uint8

const (
	IndexNone IndexKind = iota
	// IndexEquality keeps one set of ids per distinct value.
	IndexEquality
	// IndexRange keeps one sorted set of ids scored by the value.
	IndexRange
)

// Field describes one stored field. Related marks a foreign key: the value is the id of a
// record of the related model, and the field must have an equality index.
type Field struct {
	Name    string
	Index   IndexKind
	Related *Model
	// Encode turns a value into its stored form. Defaults to the wire form of the value.
	Encode func(v interface{}) (string, error)
	// Score turns a value into its range index score. Defaults to a numeric conversion.
	Score func(v interface{}) (float64, error)
}

func (f *Field) encode(v interface{}) (string, error) {
	if f.Encode != nil {
		return f.Encode(v)
	}
	return string(redis.ToBytes(v)), nil
}

func (f *Field) score(v interface{}) (float64, error) {
	if f.Score != nil {
		return f.Score(v)
	}
	return toScore(v)
}

func toScore(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case time.Time:
		return float64(n.UnixNano()) / 1e9, nil
	case string:
		return strconv.ParseFloat(n, 64)
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	}
	return 0, fmt.Errorf("cannot use %T as a score", v)
}

// Model is the stored layout of one record type. Keys are laid out as
//
//	<model>:obj:<id>              hash of field values
//	<model>:id                    set of all ids
//	<model>:idx:<field>:<value>   equality index
//	<model>:idx:<field>           range index
//	<model>:tmp:<uuid>            temporary query results
type Model struct {
	Name   string
	Fields []*Field
	byName map[string]*Field
}

func NewModel(name string, fields ...*Field) (*Model, error) {
	if name == "" || strings.Contains(name, ":") {
		return nil, fmt.Errorf("invalid model name %q", name)
	}
	m := &Model{Name: name, Fields: fields, byName: make(map[string]*Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" || strings.Contains(f.Name, pathSeparator) {
			return nil, fmt.Errorf("model %s: invalid field name %q", name, f.Name)
		}
		if _, ok := m.byName[f.Name]; ok {
			return nil, fmt.Errorf("model %s: duplicate field %s", name, f.Name)
		}
		if f.Related != nil && f.Index != IndexEquality {
			return nil, fmt.Errorf("model %s: foreign key %s needs an equality index", name, f.Name)
		}
		m.byName[f.Name] = f
	}
	return m, nil
}

func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.byName[name]
	return f, ok
}

func (m *Model) ObjectKey(id string) string {
	return m.Name + ":obj:" + id
}

func (m *Model) IDsKey() string {
	return m.Name + ":id"
}

func (m *Model) EqualityKey(field, value string) string {
	return m.Name + ":idx:" + field + ":" + value
}

func (m *Model) RangeKey(field string) string {
	return m.Name + ":idx:" + field
}

func (m *Model) TempKey(id string) string {
	return m.Name + ":tmp:" + id
}
