// Package modality resolves the observational inputs of an object (image
// cutouts, flux cutouts, spectra and band magnitudes) as fixed-shape arrays.
//
// The set of modalities is closed: every Modality value has exactly one
// derivation in Resolver and one fixed shape.
package modality

import (
	"fmt"
	"strings"
)

// Modality is one kind of observational input.
type Modality int

const (
	Image Modality = iota + 1
	FluxCutout
	Spectrum
	SpectrumSelectedBands
	PhotometricBands
	InfraredBands
)

// numModalities is one past the last valid Modality.
const numModalities = int(InfraredBands) + 1

type descriptor struct {
	name  string
	alias string
	shape []int
}

var descriptors = [numModalities]descriptor{
	Image:                 {"image", "img", []int{150, 150, 3}},
	FluxCutout:            {"flux-cutout", "fits", []int{61, 61, 5}},
	Spectrum:              {"spectrum", "spectra", []int{3522}},
	SpectrumSelectedBands: {"spectrum-selected-bands", "ssel", []int{1423}},
	PhotometricBands:      {"photometric-bands", "bands", []int{5}},
	InfraredBands:         {"infrared-bands", "wise", []int{4}},
}

// All returns every modality in declaration order.
func All() []Modality {
	out := make([]Modality, 0, numModalities-1)
	for m := Image; int(m) < numModalities; m++ {
		out = append(out, m)
	}
	return out
}

// Valid reports whether m is a declared modality.
func (m Modality) Valid() bool {
	return m >= Image && int(m) < numModalities
}

// String returns the canonical name, e.g. "flux-cutout".
func (m Modality) String() string {
	if !m.Valid() {
		return fmt.Sprintf("modality(%d)", int(m))
	}
	return descriptors[m].name
}

// Alias returns the short tensor name used by the trained models, e.g. "fits".
func (m Modality) Alias() string {
	if !m.Valid() {
		return ""
	}
	return descriptors[m].alias
}

// Shape returns the fixed array shape (without batch dimension).
func (m Modality) Shape() []int {
	if !m.Valid() {
		return nil
	}
	return append([]int(nil), descriptors[m].shape...)
}

// Size is the number of elements of one array of this modality.
func (m Modality) Size() int {
	n := 1
	for _, d := range m.Shape() {
		n *= d
	}
	return n
}

// Parse accepts a canonical name or an alias.
func Parse(s string) (Modality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range All() {
		if s == descriptors[m].name || s == descriptors[m].alias {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown modality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Modality) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid modality %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Modality) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// HasPreview reports whether diagnostics include an encoded preview.
func (m Modality) HasPreview() bool {
	return m == Image || m == FluxCutout
}
