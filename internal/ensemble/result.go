package ensemble

import (
	"fmt"
	"slices"
	"strings"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
)

// PipelineResult is the outcome of processing one object. It is immutable;
// accessors return copies.
type PipelineResult struct {
	pipeline string
	objectID string
	record   *catalog.Record
	groups   []string
	models   map[string][]string
	raw      map[string][]Value
	output   map[string]Consensus
}

// Pipeline returns the name of the pipeline that produced the result.
func (r *PipelineResult) Pipeline() string { return r.pipeline }

// ObjectID returns the processed object's id.
func (r *PipelineResult) ObjectID() string { return r.objectID }

// Record returns a copy of the catalog record.
func (r *PipelineResult) Record() *catalog.Record { return r.record.Clone() }

// Groups returns the group names in configured order.
func (r *PipelineResult) Groups() []string { return slices.Clone(r.groups) }

// Models returns the model ids of a group in configured order.
func (r *PipelineResult) Models(group string) []string { return slices.Clone(r.models[group]) }

// Raw returns a group's member values in configured predictor order; nil
// when the group is unavailable.
func (r *PipelineResult) Raw(group string) []Value {
	vals := r.raw[group]
	if vals == nil {
		return nil
	}
	out := make([]Value, len(vals))
	for i, v := range vals {
		out[i] = v.clone()
	}
	return out
}

// Output returns a group's consensus.
func (r *PipelineResult) Output(group string) (Consensus, bool) {
	c, ok := r.output[group]
	c.Scores = slices.Clone(c.Scores)
	return c, ok
}

// Unavailable returns the names of groups without a consensus.
func (r *PipelineResult) Unavailable() []string {
	var out []string
	for _, g := range r.groups {
		if !r.output[g].Available() {
			out = append(out, g)
		}
	}
	return out
}

// AsMap renders the result as plain data with the keys objid, pipeline,
// models, obj, map and output, plus errors when a group is unavailable.
func (r *PipelineResult) AsMap() map[string]any {
	models := make(map[string]any, len(r.groups))
	raw := make(map[string]any, len(r.groups))
	output := make(map[string]any, len(r.groups))
	errs := make(map[string]any)
	for _, g := range r.groups {
		ids := make([]any, len(r.models[g]))
		for i, id := range r.models[g] {
			ids[i] = id
		}
		models[g] = ids

		if vals := r.raw[g]; vals != nil {
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = v.Any()
			}
			raw[g] = list
		} else {
			raw[g] = nil
		}

		c := r.output[g]
		output[g] = c.Any()
		if c.Err != nil {
			errs[g] = c.Err.Error()
		}
	}

	m := map[string]any{
		"objid":    r.objectID,
		"pipeline": r.pipeline,
		"models":   models,
		"obj":      r.record.AsMap(),
		"map":      raw,
		"output":   output,
	}
	if len(errs) > 0 {
		m["errors"] = errs
	}
	return m
}

// String lists the consensus values, e.g. redshift=0.1, subclass='STARFORMING'.
func (r *PipelineResult) String() string {
	parts := make([]string, 0, len(r.groups))
	for _, g := range r.groups {
		c := r.output[g]
		switch {
		case c.Err != nil:
			parts = append(parts, g+"=unavailable")
		case c.Kind == Categorical:
			parts = append(parts, fmt.Sprintf("%s='%s'", g, c.Label))
		default:
			parts = append(parts, fmt.Sprintf("%s=%g", g, c.Value))
		}
	}
	return strings.Join(parts, ", ")
}
