package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"
)

// uidRoot is the DICOM root for UUID-derived UIDs (PS3.5 B.2).
const uidRoot = "2.25."

// minDigits is the shortest numeric substitute, so short MRNs do not shrink
// the substitute space below brute-force range.
const minDigits = 12

var (
	dottedNumeric = regexp.MustCompile(`^[0-9]+(\.[0-9]+)+$`)
	allDigits     = regexp.MustCompile(`^[0-9]+$`)

	// 10^38 fits in 128 bits, so each block yields 38 unbiased-enough digits.
	digitBlock = new(big.Int).Exp(big.NewInt(10), big.NewInt(38), nil)
)

// Shape names the format family of an identifier.
type Shape string

const (
	ShapeUID     Shape = "uid"
	ShapeNumeric Shape = "numeric"
	ShapeOpaque  Shape = "opaque"
)

// ShapeOf classifies an identifier by the format its substitute must keep.
func ShapeOf(v string) Shape {
	switch {
	case dottedNumeric.MatchString(v):
		return ShapeUID
	case allDigits.MatchString(v):
		return ShapeNumeric
	default:
		return ShapeOpaque
	}
}

func formatIdentifier(original string, digest []byte) string {
	switch ShapeOf(original) {
	case ShapeUID:
		// 128 bits rendered in decimal: at most 39 digits, 44 chars with root.
		return uidRoot + new(big.Int).SetBytes(digest[:16]).String()
	case ShapeNumeric:
		n := len(original)
		if n < minDigits {
			n = minDigits
		}
		return digits(digest, n)
	default:
		return "ANON-" + strings.ToUpper(hex.EncodeToString(digest[:8]))
	}
}

// digits expands digest into n decimal digits by hashing it with a block
// counter until enough digits are produced.
func digits(digest []byte, n int) string {
	var b strings.Builder
	block := digest
	for counter := byte(0); b.Len() < n; counter++ {
		if counter > 0 {
			h := sha256.Sum256(append(append([]byte{}, digest...), counter))
			block = h[:]
		}
		v := new(big.Int).SetBytes(block[:16])
		v.Mod(v, digitBlock)
		s := v.String()
		b.WriteString(strings.Repeat("0", 38-len(s)))
		b.WriteString(s)
	}
	return b.String()[:n]
}
