package ensemble

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/inference"
	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

// Properties in their reporting order.
var PropertyOrder = []string{"redshift", "smass", "subclass", "gz2c"}

// DefaultPipelines maps pipeline name to property to model ids.
var DefaultPipelines = map[string]map[string][]string{
	"one2one": {
		"redshift": {"i2r", "f2r", "s2r", "ss2r", "b2r", "w2r"},
		"smass":    {"i2sm", "f2sm", "s2sm", "ss2sm", "b2sm", "w2sm"},
		"subclass": {"i2s", "f2s", "s2s", "ss2s", "b2s", "w2s"},
		"gz2c":     {"i2g", "f2g", "s2g", "ss2g", "b2g", "w2g"},
	},
	"cherryPicked": {
		"redshift": {"s2r", "ss2r", "iFsSSbW2r"},
		"smass":    {"f2sm"},
		"subclass": {"iFsSSbW2s"},
		"gz2c":     {"i2g", "f2g", "iFsSSbW2g"},
	},
	"universal": {
		"redshift": {"iFsSSbW2rSMsG", "fSbW2rSM"},
		"smass":    {"iFsSSbW2rSMsG", "fSbW2rSM"},
		"subclass": {"iFsSSbW2rSMsG", "fSbW2sG"},
		"gz2c":     {"iFsSSbW2rSMsG", "fSbW2sG"},
	},
}

// DefaultLabels are the class label tables of the categorical properties.
var DefaultLabels = map[string][]string{
	"subclass": {"AGN", "AGN BROADLINE", "BROADLINE", "STARBURST", "STARBURST BROADLINE", "STARFORMING", "STARFORMING BROADLINE"},
	"gz2c":     {"E", "S", "SB"},
}

var inputCodes = map[string]modality.Modality{
	"i":  modality.Image,
	"f":  modality.FluxCutout,
	"s":  modality.Spectrum,
	"ss": modality.SpectrumSelectedBands,
	"b":  modality.PhotometricBands,
	"w":  modality.InfraredBands,
}

var outputCodes = map[string]string{
	"r":  "redshift",
	"sm": "smass",
	"s":  "subclass",
	"g":  "gz2c",
}

// caseRuns splits s into maximal runs of same-case letters, so
// "iFsSSbW" becomes i, F, s, SS, b, W.
func caseRuns(s string) []string {
	var runs []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) != unicode.IsUpper(rune(s[i-1])) {
			runs = append(runs, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		runs = append(runs, s[start:])
	}
	return runs
}

// ParseModelID derives a spec from a model id of the form <inputs>2<outputs>,
// each side a sequence of codes told apart by alternating letter case:
// iFsSSbW2rSMsG reads image, flux-cutout, spectrum, spectrum-selected-bands,
// photometric-bands, infrared-bands to redshift, smass, subclass, gz2c.
// Targets with a table in labels are categorical.
func ParseModelID(id string, labels map[string][]string) (PredictorSpec, error) {
	in, out, ok := strings.Cut(id, "2")
	if !ok || in == "" || out == "" {
		return PredictorSpec{}, configErrorf(id, "model id is not <inputs>2<outputs>")
	}
	spec := PredictorSpec{ID: id, Labels: make(map[string][]string)}
	for _, code := range caseRuns(in) {
		m, ok := inputCodes[strings.ToLower(code)]
		if !ok {
			return PredictorSpec{}, configErrorf(id, "unknown input code %q", code)
		}
		spec.Inputs = append(spec.Inputs, m)
	}
	for _, code := range caseRuns(out) {
		target, ok := outputCodes[strings.ToLower(code)]
		if !ok {
			return PredictorSpec{}, configErrorf(id, "unknown output code %q", code)
		}
		spec.Outputs = append(spec.Outputs, target)
		if l, ok := labels[target]; ok {
			spec.Labels[target] = slices.Clone(l)
		}
	}
	return spec, spec.Validate()
}

// ManifestFor describes the tensors a model built from spec would expose.
func ManifestFor(spec PredictorSpec) *inference.Manifest {
	m := &inference.Manifest{Name: spec.ID}
	for _, mod := range spec.Inputs {
		shape := []int64{1}
		for _, d := range mod.Shape() {
			shape = append(shape, int64(d))
		}
		m.Inputs = append(m.Inputs, inference.InputSpec{Modality: mod.String(), Tensor: mod.Alias(), Shape: shape})
	}
	for _, t := range spec.Outputs {
		size := int64(1)
		if l, ok := spec.Labels[t]; ok {
			size = int64(len(l))
		}
		m.Outputs = append(m.Outputs, inference.OutputSpec{Target: t, Tensor: t, Size: size})
	}
	return m
}

// specFromManifest builds the spec of a stored model and checks its output
// sizes against the label tables.
func specFromManifest(id string, m *inference.Manifest, labels map[string][]string) (PredictorSpec, error) {
	spec := PredictorSpec{ID: id, Labels: make(map[string][]string)}
	for _, in := range m.Inputs {
		mod, err := modality.Parse(in.Modality)
		if err != nil {
			return PredictorSpec{}, configErrorf(id, "%v", err)
		}
		spec.Inputs = append(spec.Inputs, mod)
	}
	for _, out := range m.Outputs {
		spec.Outputs = append(spec.Outputs, out.Target)
		l, categorical := labels[out.Target]
		switch {
		case categorical && int(out.Size) != len(l):
			return PredictorSpec{}, configErrorf(id, "output %s has %d scores for %d labels", out.Target, out.Size, len(l))
		case categorical:
			spec.Labels[out.Target] = slices.Clone(l)
		case out.Size != 1:
			return PredictorSpec{}, configErrorf(id, "continuous output %s has size %d", out.Target, out.Size)
		}
	}
	return spec, spec.Validate()
}

// Builder turns pipeline definitions into orchestrators. Predictors are
// built once per model id and shared between pipelines.
type Builder struct {
	registry    *inference.Registry
	lookup      catalog.Lookup
	provider    modality.Provider
	labels      map[string][]string
	concurrency int
	predictors  map[string]*Predictor
}

// NewBuilder creates a Builder.
func NewBuilder(registry *inference.Registry, lookup catalog.Lookup, provider modality.Provider, labels map[string][]string, concurrency int) *Builder {
	return &Builder{
		registry:    registry,
		lookup:      lookup,
		provider:    provider,
		labels:      labels,
		concurrency: concurrency,
		predictors:  make(map[string]*Predictor),
	}
}

// Predictor returns the predictor for a model id.
func (b *Builder) Predictor(id string) (*Predictor, error) {
	if p, ok := b.predictors[id]; ok {
		return p, nil
	}
	model, manifest, err := b.registry.Load(id, func() (*inference.Manifest, error) {
		spec, err := ParseModelID(id, b.labels)
		if err != nil {
			return nil, err
		}
		return ManifestFor(spec), nil
	})
	if err != nil {
		return nil, err
	}
	spec, err := specFromManifest(id, manifest, b.labels)
	if err != nil {
		return nil, err
	}
	p, err := NewPredictor(spec, model, b.lookup, b.provider)
	if err != nil {
		return nil, err
	}
	b.predictors[id] = p
	return p, nil
}

// Pipeline builds one orchestrator. Models missing from the store are
// skipped with a warning; a group left without predictors is a
// configuration error.
func (b *Builder) Pipeline(name string, groups map[string][]string) (*Orchestrator, error) {
	var built []*Group
	for _, property := range orderedProperties(groups) {
		var members []*Predictor
		for _, id := range groups[property] {
			p, err := b.Predictor(id)
			if errors.Is(err, inference.ErrModelMissing) {
				log.Printf("Warning: pipeline %s: model %s not found, skipping", name, id)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", name, err)
			}
			members = append(members, p)
		}
		g, err := NewGroup(property, members...)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		built = append(built, g)
	}
	return NewOrchestrator(name, b.lookup, built, WithConcurrency(b.concurrency))
}

// orderedProperties sorts properties by PropertyOrder, unknown ones last
// in alphabetical order.
func orderedProperties(groups map[string][]string) []string {
	props := make([]string, 0, len(groups))
	for p := range groups {
		props = append(props, p)
	}
	rank := func(p string) int {
		if i := slices.Index(PropertyOrder, p); i >= 0 {
			return i
		}
		return len(PropertyOrder)
	}
	sort.Slice(props, func(i, j int) bool {
		ri, rj := rank(props[i]), rank(props[j])
		if ri != rj {
			return ri < rj
		}
		return props[i] < props[j]
	})
	return props
}
