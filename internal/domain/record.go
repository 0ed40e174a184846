package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Reserved record fields. Both are managed by the core and overwrite whatever
// the form layer supplied.
const (
	FieldID       = "ID"
	FieldSampleID = "Identificación de la muestra"
)

// Field is a single named answer. Value is a scalar (string, bool, number,
// json.Number, nil), a []any, or a nested ResponseRecord for grouped questions.
type Field struct {
	Name  string
	Value any
}

// ResponseRecord is one submitted questionnaire. It keeps the order in which
// fields were set so that new spreadsheet columns follow the form order.
//
// The zero value is an empty record ready to use.
type ResponseRecord struct {
	fields []Field
	index  map[string]int
}

// NewResponseRecord builds a record from fields, in order.
func NewResponseRecord(fields ...Field) ResponseRecord {
	var r ResponseRecord
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// CanonicalFieldName trims and NFC-normalizes a field or column name so that
// "Género" typed on different platforms maps to one column.
func CanonicalFieldName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Set assigns value to name, replacing an existing field in place.
func (r *ResponseRecord) Set(name string, value any) {
	name = CanonicalFieldName(name)
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
}

// Get returns the value stored under name.
func (r ResponseRecord) Get(name string) (any, bool) {
	i, ok := r.index[CanonicalFieldName(name)]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Delete removes name from the record, if present.
func (r *ResponseRecord) Delete(name string) {
	name = CanonicalFieldName(name)
	i, ok := r.index[name]
	if !ok {
		return
	}
	r.fields = append(r.fields[:i], r.fields[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.fields); j++ {
		r.index[r.fields[j].Name] = j
	}
}

// Fields returns a copy of the fields in insertion order.
func (r ResponseRecord) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len reports the number of fields.
func (r ResponseRecord) Len() int { return len(r.fields) }

// Clone returns a deep-enough copy: nested records are cloned, other values
// are shared.
func (r ResponseRecord) Clone() ResponseRecord {
	var out ResponseRecord
	for _, f := range r.fields {
		if nested, ok := f.Value.(ResponseRecord); ok {
			out.Set(f.Name, nested.Clone())
			continue
		}
		out.Set(f.Name, f.Value)
	}
	return out
}

// SampleID returns the sample identifier stored in the record, if any.
func (r ResponseRecord) SampleID() (SampleIdentifier, bool) {
	v, ok := r.Get(FieldSampleID)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case SampleIdentifier:
		return s, s != ""
	case string:
		return SampleIdentifier(s), strings.TrimSpace(s) != ""
	}
	return "", false
}

// MarshalJSON encodes the record as a JSON object in field order.
func (r ResponseRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Numbers are kept as
// json.Number and nested objects become nested ResponseRecords.
func (r *ResponseRecord) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("response record must be a JSON object")
	}
	rec, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func decodeObject(dec *json.Decoder) (ResponseRecord, error) {
	var rec ResponseRecord
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return rec, err
		}
		key, ok := tok.(string)
		if !ok {
			return rec, fmt.Errorf("unexpected object key %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return rec, err
		}
		rec.Set(key, v)
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return rec, err
	}
	return rec, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		return decodeObject(dec)
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %v", d)
}
