package deid

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ehr/deid/internal/domain/policy"
)

func mustElement(t *testing.T, tg tag.Tag, data any) *dicom.Element {
	t.Helper()
	elem, err := dicom.NewElement(tg, data)
	if err != nil {
		t.Fatalf("element %v: %v", tg, err)
	}
	return elem
}

func writeTestDICOM(t *testing.T) []byte {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.2.1125.1"}),
		mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustElement(t, tag.PatientName, []string{"Roe^Jane"}),
		mustElement(t, tag.PatientID, []string{"MRN-889-A"}),
		mustElement(t, tag.StudyDate, []string{"20240115"}),
		mustElement(t, tag.StudyInstanceUID, []string{"1.2.840.113619.2.55.3"}),
		mustElement(t, tag.Rows, []int{512}),
	}}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
	return buf.Bytes()
}

func TestRecordFromDICOM(t *testing.T) {
	data := writeTestDICOM(t)
	rec, err := RecordFromDICOM(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if s, _ := rec["dicom.PatientName"].Str(); s != "Roe^Jane" {
		t.Errorf("PatientName = %v", rec["dicom.PatientName"])
	}
	d, ok := rec["dicom.StudyDate"].Date()
	if !ok || d.Format(dateLayout) != "2024-01-15" {
		t.Errorf("StudyDate = %v (%s)", rec["dicom.StudyDate"], rec["dicom.StudyDate"].Kind())
	}
	if n, ok := rec["dicom.Rows"].Integer(); !ok || n != 512 {
		t.Errorf("Rows = %v", rec["dicom.Rows"])
	}
	for field := range rec {
		if !strings.HasPrefix(field, DICOMFieldPrefix) {
			t.Errorf("field %q lacks the dicom prefix", field)
		}
	}
}

func TestRecordFromDICOM_Invalid(t *testing.T) {
	data := []byte("definitely not a dicom file")
	if _, err := RecordFromDICOM(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAnonymize_DICOMRecord(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	p, err := policy.Compile(policy.Document{
		ID:            "ct-research",
		Version:       1,
		Name:          "DICOM header export",
		Status:        policy.StatusApproved,
		DefaultAction: "remove",
		Rules: policy.RuleSets{
			Pseudonymize: []policy.PseudonymizeEntry{
				{FieldID: "dicom.PatientID", Kind: "identifier"},
				{FieldID: "dicom.StudyInstanceUID", Kind: "identifier"},
				{FieldID: "dicom.StudyDate", Kind: "temporal"},
			},
			Preserve: []string{"dicom.Rows", "dicom.TransferSyntaxUID"},
		},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	f.resolver.policy = p

	data := writeTestDICOM(t)
	rec, err := RecordFromDICOM(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	res, err := f.engine.Anonymize(context.Background(), rec, Request{PolicyID: "ct-research", ScopeID: "study-1"})
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	if _, ok := res.Record["dicom.PatientName"]; ok {
		t.Error("PatientName must be removed by default")
	}
	if id, _ := res.Record["dicom.PatientID"].Str(); !strings.HasPrefix(id, "ANON-") {
		t.Errorf("PatientID = %q", id)
	}
	if uid, _ := res.Record["dicom.StudyInstanceUID"].Str(); !strings.HasPrefix(uid, "2.25.") {
		t.Errorf("StudyInstanceUID = %q", uid)
	}
	if res.Counts.Pseudonymized != 3 || res.Counts.Preserved != 2 {
		t.Errorf("counts = %+v", res.Counts)
	}
}
