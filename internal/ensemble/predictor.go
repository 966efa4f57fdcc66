package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/inference"
	"github.com/SyedDaiam9101/astro-ensemble/internal/metrics"
	"github.com/SyedDaiam9101/astro-ensemble/internal/middleware"
	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

const tracerName = "github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"

// Value is one decoded model output.
type Value struct {
	Kind   TargetKind
	Scalar float64   // continuous targets
	Scores []float64 // categorical targets, one per label
	Label  string    // categorical targets, label of the highest score
}

// Any returns the value as plain data: a float64 or a []any of scores.
func (v Value) Any() any {
	if v.Kind == Categorical {
		out := make([]any, len(v.Scores))
		for i, s := range v.Scores {
			out[i] = s
		}
		return out
	}
	return v.Scalar
}

func (v Value) clone() Value {
	v.Scores = append([]float64(nil), v.Scores...)
	return v
}

// RawPrediction is the output of one predictor for one object, one value
// per declared target in declaration order.
type RawPrediction struct {
	Model      string
	ObjectID   string
	Record     *catalog.Record
	Modalities []modality.Modality
	Targets    []string
	Values     []Value

	// Set only when diagnostics were requested.
	Inputs   map[modality.Modality]modality.Array
	Previews map[modality.Modality][]string
}

// Get returns the value for target.
func (r *RawPrediction) Get(target string) (Value, bool) {
	for i, t := range r.Targets {
		if t == target {
			return r.Values[i], true
		}
	}
	return Value{}, false
}

// AsMap renders the prediction as plain data for serving.
func (r *RawPrediction) AsMap() map[string]any {
	x := make([]any, len(r.Modalities))
	for i, m := range r.Modalities {
		x[i] = m.String()
	}
	out := make([]any, len(r.Values))
	classes := make(map[string]any)
	for i, v := range r.Values {
		out[i] = v.Any()
		if v.Kind == Categorical {
			classes[r.Targets[i]] = v.Label
		}
	}
	y := make([]any, len(r.Targets))
	for i, t := range r.Targets {
		y[i] = t
	}
	m := map[string]any{
		"objid":    r.ObjectID,
		"model":    r.Model,
		"x":        x,
		"y":        y,
		"output":   out,
		"_classes": classes,
	}
	if r.Record != nil {
		m["obj"] = r.Record.AsMap()
	}
	if r.Inputs != nil {
		input := make(map[string]any, len(r.Inputs))
		for mod, arr := range r.Inputs {
			vals := make([]any, len(arr.Data))
			for i, f := range arr.Data {
				vals[i] = float64(f)
			}
			input[mod.String()] = vals
		}
		m["input"] = input
	}
	if r.Previews != nil {
		extra := make(map[string]any, len(r.Previews))
		for mod, previews := range r.Previews {
			list := make([]any, len(previews))
			for i, p := range previews {
				list[i] = p
			}
			extra[mod.String()] = list
		}
		m["extra"] = extra
	}
	return m
}

// Predictor wraps one trained model. It is safe for concurrent use when the
// model, lookup and provider are.
type Predictor struct {
	spec     PredictorSpec
	model    inference.Model
	lookup   catalog.Lookup
	provider modality.Provider
	tracer   trace.Tracer
}

// NewPredictor validates spec and wraps model.
func NewPredictor(spec PredictorSpec, model inference.Model, lookup catalog.Lookup, provider modality.Provider) (*Predictor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, configErrorf(spec.ID, "no model")
	}
	return &Predictor{
		spec:     spec,
		model:    model,
		lookup:   lookup,
		provider: provider,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// ID returns the model id.
func (p *Predictor) ID() string { return p.spec.ID }

// Spec returns the predictor's spec. Callers must not modify it.
func (p *Predictor) Spec() PredictorSpec { return p.spec }

// Predict looks the object up and runs the model on it. An unknown object
// yields an error wrapping catalog.ErrNotFound; an unresolvable input a
// *modality.Error.
func (p *Predictor) Predict(ctx context.Context, objectID string, includeDiagnostics bool) (*RawPrediction, error) {
	if p.lookup == nil {
		return nil, errors.New("predictor has no catalog")
	}
	rec, err := p.lookup.Get(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return p.PredictRecord(ctx, rec, includeDiagnostics)
}

// PredictRecord runs the model on an already resolved record.
func (p *Predictor) PredictRecord(ctx context.Context, rec *catalog.Record, includeDiagnostics bool) (*RawPrediction, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ensemble.predict", trace.WithAttributes(
		attribute.String("model", p.spec.ID),
		attribute.String("objid", rec.ID),
	))
	defer span.End()

	pred, err := p.run(ctx, rec, includeDiagnostics)
	metrics.RecordPredictorLatency(p.spec.ID, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return pred, nil
}

func (p *Predictor) run(ctx context.Context, rec *catalog.Record, diag bool) (*RawPrediction, error) {
	if p.provider == nil {
		return nil, errors.New("predictor has no modality provider")
	}
	pred := &RawPrediction{
		Model:      p.spec.ID,
		ObjectID:   rec.ID,
		Record:     rec,
		Modalities: p.spec.Inputs,
		Targets:    p.spec.Outputs,
	}
	if diag {
		pred.Inputs = make(map[modality.Modality]modality.Array, len(p.spec.Inputs))
		pred.Previews = make(map[modality.Modality][]string)
	}

	inputs := make(map[string]inference.Tensor, len(p.spec.Inputs))
	for _, m := range p.spec.Inputs {
		arr, err := p.provider.Resolve(ctx, rec, m)
		if err != nil {
			return nil, err
		}
		shape := make([]int64, len(arr.Shape))
		for i, d := range arr.Shape {
			shape[i] = int64(d)
		}
		inputs[m.String()] = inference.Tensor{Shape: shape, Data: arr.Data}

		if diag {
			pred.Inputs[m] = arr
			if m.HasPreview() {
				previews, err := modality.Previews(m, arr)
				if err != nil {
					log.Printf("[%s] Warning: preview of %s for %s failed: %v",
						middleware.LogID(ctx), m, rec.ID, err)
				} else {
					pred.Previews[m] = previews
				}
			}
		}
	}

	out, err := p.model.Infer(ctx, inputs)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, inference.ErrInference) {
			return nil, fmt.Errorf("model %s: %w", p.spec.ID, err)
		}
		return nil, fmt.Errorf("model %s: %w: %w", p.spec.ID, inference.ErrInference, err)
	}

	pred.Values, err = p.decode(out)
	if err != nil {
		return nil, err
	}
	return pred, nil
}

// decode turns named model outputs into one Value per declared target.
func (p *Predictor) decode(out map[string][]float32) ([]Value, error) {
	values := make([]Value, len(p.spec.Outputs))
	for i, target := range p.spec.Outputs {
		raw, ok := out[target]
		if !ok {
			return nil, fmt.Errorf("model %s: %w: no output for %s", p.spec.ID, inference.ErrInference, target)
		}
		labels, categorical := p.spec.Labels[target]
		if !categorical {
			if len(raw) != 1 {
				return nil, fmt.Errorf("model %s: %w: %s has %d values, want 1",
					p.spec.ID, inference.ErrInference, target, len(raw))
			}
			values[i] = Value{Kind: Continuous, Scalar: float64(raw[0])}
			continue
		}
		if len(raw) != len(labels) {
			return nil, fmt.Errorf("model %s: %w: %s has %d scores for %d labels",
				p.spec.ID, inference.ErrInference, target, len(raw), len(labels))
		}
		scores := make([]float64, len(raw))
		for j, s := range raw {
			scores[j] = float64(s)
		}
		values[i] = Value{Kind: Categorical, Scores: scores, Label: labels[argmax(scores)]}
	}
	return values, nil
}

// argmax returns the index of the largest value, the lowest on ties.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
