package deid

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestValue_JSONForms(t *testing.T) {
	rec := Record{
		"name":  String("Roe^Jane"),
		"date":  Date(time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)),
		"rows":  Integer(512),
		"thumb": Binary([]byte("hi")),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{
		`"name":"Roe^Jane"`,
		`"date":{"type":"date","value":"2024-01-15"}`,
		`"rows":512`,
		`"thumb":{"type":"binary","value":"aGk="}`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("missing %s in %s", want, data)
		}
	}

	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, v := range rec {
		if !back[k].Equal(v) {
			t.Errorf("%s: got %v, want %v", k, back[k], v)
		}
	}
}

func TestValue_UnmarshalRejects(t *testing.T) {
	for _, in := range []string{
		`1.5`,
		`null`,
		`true`,
		`[1,2]`,
		`{"type":"money","value":"5"}`,
		`{"type":"date","value":"15/01/2024"}`,
		`{"type":"binary","value":"***"}`,
		`{"type":"date","value":"2024-01-15","extra":1}`,
		`99999999999999999999`,
	} {
		var v Value
		if err := json.Unmarshal([]byte(in), &v); err == nil {
			t.Errorf("%s: expected error, got %v", in, v)
		}
	}
}

func TestValue_DateDropsTimeOfDay(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	v := Date(time.Date(2024, 3, 1, 23, 30, 0, 0, loc))
	d, ok := v.Date()
	if !ok || d.Format(dateLayout) != "2024-03-01" || d.Hour() != 0 {
		t.Errorf("Date() = %v", d)
	}
}

func TestValue_ZeroIsEmptyString(t *testing.T) {
	var v Value
	if s, ok := v.Str(); !ok || s != "" {
		t.Errorf("zero value = %q %v", s, ok)
	}
	if !v.Equal(String("")) {
		t.Error("zero value should equal the empty string")
	}
}
