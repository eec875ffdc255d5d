package deid

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DICOMFieldPrefix namespaces fields read from DICOM headers.
const DICOMFieldPrefix = "dicom."

// RecordFromDICOM reads the header of a Part-10 file into a Record keyed by
// element keyword. Pixel data is skipped and sequences are dropped. DA
// elements become Date values; multi-valued elements are joined with a
// backslash as in DICOM.
func RecordFromDICOM(r io.Reader, size int64) (Record, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}

	rec := make(Record, len(ds.Elements))
	for _, elem := range ds.Elements {
		if elem == nil || elem.Value == nil {
			continue
		}
		v, ok := dicomValue(elem)
		if !ok {
			continue
		}
		rec[DICOMFieldPrefix+keyword(elem.Tag)] = v
	}
	return rec, nil
}

func keyword(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

func dicomValue(elem *dicom.Element) (Value, bool) {
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if elem.RawValueRepresentation == "DA" && len(v) == 1 {
			if t, err := time.Parse("20060102", strings.TrimSpace(v[0])); err == nil {
				return Date(t), true
			}
		}
		return String(strings.Join(v, `\`)), true
	case []int:
		if len(v) == 1 {
			return Integer(int64(v[0])), true
		}
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return String(strings.Join(parts, `\`)), true
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return String(strings.Join(parts, `\`)), true
	case []byte:
		return Binary(v), true
	}
	// Sequences, items and pixel data never pass through.
	return Value{}, false
}
