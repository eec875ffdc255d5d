package deid

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ValueKind is the closed set of field value types.
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindDate    ValueKind = "date"
	KindInteger ValueKind = "integer"
	KindBinary  ValueKind = "binary"
)

const dateLayout = "2006-01-02"

// Value is one field value. The zero Value is an empty string.
type Value struct {
	kind ValueKind
	str  string
	date time.Time
	num  int64
	raw  []byte
}

func String(s string) Value { return Value{kind: KindString, str: s} }

// Date keeps only the calendar day of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func Integer(n int64) Value { return Value{kind: KindInteger, num: n} }

func Binary(b []byte) Value {
	return Value{kind: KindBinary, raw: append([]byte(nil), b...)}
}

func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

func (v Value) Str() (string, bool) { return v.str, v.Kind() == KindString }

func (v Value) Date() (time.Time, bool) { return v.date, v.kind == KindDate }

func (v Value) Integer() (int64, bool) { return v.num, v.kind == KindInteger }

func (v Value) Bytes() ([]byte, bool) { return v.raw, v.kind == KindBinary }

// Clone returns a copy that shares no memory with v.
func (v Value) Clone() Value {
	if v.kind == KindBinary {
		v.raw = append([]byte(nil), v.raw...)
	}
	return v
}

func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindDate:
		return v.date.Equal(o.date)
	case KindInteger:
		return v.num == o.num
	case KindBinary:
		return bytes.Equal(v.raw, o.raw)
	default:
		return v.str == o.str
	}
}

func (v Value) String() string {
	switch v.Kind() {
	case KindDate:
		return v.date.Format(dateLayout)
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindBinary:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	default:
		return v.str
	}
}

type taggedValue struct {
	Type  ValueKind `json:"type"`
	Value string    `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindDate:
		return json.Marshal(taggedValue{Type: KindDate, Value: v.date.Format(dateLayout)})
	case KindInteger:
		return []byte(strconv.FormatInt(v.num, 10)), nil
	case KindBinary:
		return json.Marshal(taggedValue{Type: KindBinary, Value: base64.StdEncoding.EncodeToString(v.raw)})
	default:
		return json.Marshal(v.str)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '{':
		var tv taggedValue
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&tv); err != nil {
			return fmt.Errorf("tagged value: %w", err)
		}
		switch tv.Type {
		case KindDate:
			t, err := time.Parse(dateLayout, tv.Value)
			if err != nil {
				return errors.New("date value must be YYYY-MM-DD")
			}
			*v = Date(t)
		case KindBinary:
			b, err := base64.StdEncoding.DecodeString(tv.Value)
			if err != nil {
				return errors.New("binary value must be base64")
			}
			*v = Value{kind: KindBinary, raw: b}
		default:
			return fmt.Errorf("unknown value type %q", tv.Type)
		}
		return nil
	case 'n', 't', 'f', '[':
		return fmt.Errorf("unsupported value %s", firstToken(data))
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return errors.New("numbers must be 64-bit integers")
		}
		*v = Integer(n)
		return nil
	}
}

func firstToken(data []byte) string {
	switch data[0] {
	case 'n':
		return "null"
	case '[':
		return "array"
	default:
		return "boolean"
	}
}

// Record is a flat field-id to value map.
type Record map[string]Value

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v.Clone()
	}
	return out
}
