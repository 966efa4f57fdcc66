package ensemble

import (
	"slices"
)

// Group is a target property and the ordered predictors that estimate it.
// It is immutable and shared by concurrent Process calls.
type Group struct {
	property   string
	kind       TargetKind
	labels     []string
	predictors []*Predictor
}

// NewGroup checks that every predictor declares property with the same
// kind and, for categorical properties, an identical label table. The kind
// is taken from the first predictor.
func NewGroup(property string, predictors ...*Predictor) (*Group, error) {
	if property == "" {
		return nil, configErrorf("group", "empty property name")
	}
	if len(predictors) == 0 {
		return nil, configErrorf(property, "group has no predictors")
	}

	first := predictors[0].spec
	g := &Group{
		property:   property,
		kind:       first.Kind(property),
		labels:     first.Labels[property],
		predictors: slices.Clone(predictors),
	}
	for _, p := range predictors {
		s := p.spec
		if !s.Declares(property) {
			return nil, configErrorf(property, "model %s does not declare target %s", s.ID, property)
		}
		if k := s.Kind(property); k != g.kind {
			return nil, configErrorf(property, "model %s declares %s as %s, group is %s",
				s.ID, property, k, g.kind)
		}
		if g.kind == Categorical && !slices.Equal(s.Labels[property], g.labels) {
			return nil, configErrorf(property, "model %s label table %v differs from %v",
				s.ID, s.Labels[property], g.labels)
		}
	}
	return g, nil
}

// Property returns the target property name.
func (g *Group) Property() string { return g.property }

// Kind returns the property's kind.
func (g *Group) Kind() TargetKind { return g.kind }

// Labels returns a copy of the label table; nil for continuous groups.
func (g *Group) Labels() []string { return slices.Clone(g.labels) }

// Predictors returns the members in configured order.
func (g *Group) Predictors() []*Predictor { return slices.Clone(g.predictors) }

// Models returns the member model ids in configured order.
func (g *Group) Models() []string {
	ids := make([]string, len(g.predictors))
	for i, p := range g.predictors {
		ids[i] = p.spec.ID
	}
	return ids
}
