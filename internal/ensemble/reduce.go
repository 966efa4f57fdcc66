package ensemble

import (
	"errors"
	"fmt"
)

// ErrGroupUnavailable marks a group whose consensus could not be computed.
// It is reported inside a PipelineResult, never returned from Process.
var ErrGroupUnavailable = errors.New("group unavailable")

// Consensus is the reduced value of one group.
type Consensus struct {
	Kind   TargetKind
	Value  float64   // continuous: mean of member outputs
	Label  string    // categorical: label of the highest summed score
	Scores []float64 // categorical: element-wise sum of member scores
	Err    error     // wraps ErrGroupUnavailable when not available
}

// Available reports whether the group produced a value.
func (c Consensus) Available() bool { return c.Err == nil }

// Any returns the consensus as plain data: the mean, the label, or nil.
func (c Consensus) Any() any {
	switch {
	case c.Err != nil:
		return nil
	case c.Kind == Categorical:
		return c.Label
	default:
		return c.Value
	}
}

func unavailable(kind TargetKind, cause error) Consensus {
	return Consensus{Kind: kind, Err: fmt.Errorf("%w: %w", ErrGroupUnavailable, cause)}
}

// Mean returns the arithmetic mean. No values is ErrGroupUnavailable.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: no member outputs", ErrGroupUnavailable)
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}

// SumArgmax sums score vectors element-wise and returns the label of the
// highest sum, the lowest index on ties, together with the sums.
func SumArgmax(labels []string, vectors [][]float64) (string, []float64, error) {
	if len(vectors) == 0 {
		return "", nil, fmt.Errorf("%w: no member outputs", ErrGroupUnavailable)
	}
	if len(labels) == 0 {
		return "", nil, errors.New("empty label table")
	}
	sum := make([]float64, len(labels))
	for i, v := range vectors {
		if len(v) != len(labels) {
			return "", nil, fmt.Errorf("member %d has %d scores for %d labels", i, len(v), len(labels))
		}
		for j, s := range v {
			sum[j] += s
		}
	}
	return labels[argmax(sum)], sum, nil
}

// Reduce computes the group's consensus from its members' values.
func (g *Group) Reduce(values []Value) Consensus {
	if g.kind == Categorical {
		vectors := make([][]float64, len(values))
		for i, v := range values {
			vectors[i] = v.Scores
		}
		label, sum, err := SumArgmax(g.labels, vectors)
		if err != nil {
			if errors.Is(err, ErrGroupUnavailable) {
				return Consensus{Kind: Categorical, Err: err}
			}
			return unavailable(Categorical, err)
		}
		return Consensus{Kind: Categorical, Label: label, Scores: sum}
	}

	scalars := make([]float64, len(values))
	for i, v := range values {
		scalars[i] = v.Scalar
	}
	mean, err := Mean(scalars)
	if err != nil {
		return Consensus{Kind: Continuous, Err: err}
	}
	return Consensus{Kind: Continuous, Value: mean}
}
