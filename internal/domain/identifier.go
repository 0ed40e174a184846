package domain

import (
	"fmt"
	"math"
	"strings"
)

// Sample identifier prefixes.
const (
	PrefixPatient = "PB" // Paciente Biobanco
	PrefixControl = "CB" // Control Biobanco

	// OriginControlDonor is the questionnaire origin that always maps to
	// PrefixControl regardless of the prefix chosen on the form.
	OriginControlDonor = "Donador control"

	// sequenceWidth is the zero-padded width of the numeric part.
	sequenceWidth = 6
)

// IdentifierRecord is one row of the identifier ledger. Sequence numbers are
// shared by every prefix: a PB row and a CB row never carry the same number.
type IdentifierRecord struct {
	Sequence int
	Prefix   string
}

// SampleIdentifier is the printable sample ID, e.g. "PB000001".
type SampleIdentifier string

// String implements fmt.Stringer.
func (s SampleIdentifier) String() string { return string(s) }

// SampleIdentifier formats the record as prefix + zero-padded sequence.
func (r IdentifierRecord) SampleIdentifier() SampleIdentifier {
	return FormatSampleIdentifier(r.Prefix, r.Sequence)
}

// FormatSampleIdentifier returns prefix followed by seq padded to six digits.
// Sequences wider than six digits are printed in full.
func FormatSampleIdentifier(prefix string, seq int) SampleIdentifier {
	return SampleIdentifier(fmt.Sprintf("%s%0*d", prefix, sequenceWidth, seq))
}

// NormalizePrefix trims and upper-cases a prefix and checks that it is made
// of ASCII letters only (at most 8). It returns ErrValidation otherwise.
func NormalizePrefix(p string) (string, error) {
	p = strings.ToUpper(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("%w: prefix is empty", ErrValidation)
	}
	if len(p) > 8 {
		return "", fmt.Errorf("%w: prefix %q is longer than 8 characters", ErrValidation, p)
	}
	for _, r := range p {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: prefix %q must contain letters only", ErrValidation, p)
		}
	}
	return p, nil
}

// PrefixForOrigin resolves the prefix for a submission. Control donors are
// always CB; everyone else gets the chosen prefix, defaulting to PB.
func PrefixForOrigin(origin, chosen string) string {
	if strings.TrimSpace(origin) == OriginControlDonor {
		return PrefixControl
	}
	if strings.TrimSpace(chosen) == "" {
		return PrefixPatient
	}
	return chosen
}

// BodyMassIndex returns weight / height² rounded to one decimal place, or 0
// when height is not positive.
func BodyMassIndex(weightKg, heightM float64) float64 {
	if heightM <= 0 {
		return 0
	}
	return math.Round(weightKg/(heightM*heightM)*10) / 10
}
