package ensemble

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/fanout"
	"github.com/SyedDaiam9101/astro-ensemble/internal/metrics"
	"github.com/SyedDaiam9101/astro-ensemble/internal/middleware"
)

// Orchestrator maps an object over every predictor of its groups and
// reduces each group to a consensus. It holds only read-only configuration
// and is safe for concurrent Process calls.
type Orchestrator struct {
	name   string
	lookup catalog.Lookup
	groups []*Group
	limit  int
	tracer trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds the in-flight predictor calls per group.
func WithConcurrency(k int) Option {
	return func(o *Orchestrator) { o.limit = k }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates a pipeline named name. Group properties must be
// unique.
func NewOrchestrator(name string, lookup catalog.Lookup, groups []*Group, opts ...Option) (*Orchestrator, error) {
	if lookup == nil {
		return nil, configErrorf(name, "no catalog")
	}
	if len(groups) == 0 {
		return nil, configErrorf(name, "pipeline has no groups")
	}
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if seen[g.property] {
			return nil, configErrorf(name, "group %s defined twice", g.property)
		}
		seen[g.property] = true
	}

	o := &Orchestrator{
		name:   name,
		lookup: lookup,
		groups: append([]*Group(nil), groups...),
		limit:  fanout.DefaultLimit,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limit < 1 {
		return nil, configErrorf(name, "concurrency must be at least 1, got %d", o.limit)
	}
	return o, nil
}

// Name returns the pipeline name.
func (o *Orchestrator) Name() string { return o.name }

// Groups returns the configured groups.
func (o *Orchestrator) Groups() []*Group { return append([]*Group(nil), o.groups...) }

// Process runs the pipeline for one object. An unknown object returns an
// error wrapping catalog.ErrNotFound before any model or modality is
// touched. A failing predictor makes only its own group unavailable. The
// call fails as a whole only when ctx is done.
func (o *Orchestrator) Process(ctx context.Context, objectID string) (*PipelineResult, error) {
	start := time.Now()
	reqID := middleware.LogID(ctx)
	ctx, span := o.tracer.Start(ctx, "ensemble.Process", trace.WithAttributes(
		attribute.String("pipeline", o.name),
		attribute.String("objid", objectID),
	))
	defer span.End()

	rec, err := o.lookup.Get(ctx, objectID)
	if err != nil {
		outcome := "error"
		if errors.Is(err, catalog.ErrNotFound) {
			outcome = "not_found"
		}
		metrics.RecordPipeline(o.name, outcome, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	raw := make([][]Value, len(o.groups))
	output := make([]Consensus, len(o.groups))

	// Groups never cancel each other, so the group goroutines always
	// return nil and the errgroup only joins them.
	var g errgroup.Group
	for i, grp := range o.groups {
		i, grp := i, grp
		g.Go(func() error {
			raw[i], output[i] = o.runGroup(ctx, grp, rec)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.RecordPipeline(o.name, "cancelled", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &PipelineResult{
		pipeline: o.name,
		objectID: rec.ID,
		record:   rec.Clone(),
		groups:   make([]string, len(o.groups)),
		models:   make(map[string][]string, len(o.groups)),
		raw:      make(map[string][]Value, len(o.groups)),
		output:   make(map[string]Consensus, len(o.groups)),
	}
	for i, grp := range o.groups {
		result.groups[i] = grp.property
		result.models[grp.property] = grp.Models()
		result.raw[grp.property] = raw[i]
		result.output[grp.property] = output[i]
	}

	unavailable := result.Unavailable()
	outcome := "ok"
	if len(unavailable) > 0 {
		outcome = "partial"
	}
	elapsed := time.Since(start)
	metrics.RecordPipeline(o.name, outcome, elapsed.Seconds())
	span.SetAttributes(attribute.Int("groups.unavailable", len(unavailable)))

	log.Printf("[%s] Pipeline %s processed object %s: %d groups, %d unavailable %v, %dms",
		reqID, o.name, rec.ID, len(o.groups), len(unavailable), unavailable, elapsed.Milliseconds())
	return result, nil
}

// runGroup fans the group's predictors out and reduces their values. The
// first failure cancels the remaining members and the group is unavailable.
func (o *Orchestrator) runGroup(ctx context.Context, g *Group, rec *catalog.Record) ([]Value, Consensus) {
	ctx, span := o.tracer.Start(ctx, "ensemble.group", trace.WithAttributes(
		attribute.String("pipeline", o.name),
		attribute.String("group", g.property),
		attribute.Int("predictors", len(g.predictors)),
	))
	defer span.End()

	values, err := fanout.Map(ctx, o.limit, len(g.predictors), func(ctx context.Context, i int) (Value, error) {
		pred, err := g.predictors[i].PredictRecord(ctx, rec, false)
		if err != nil {
			return Value{}, err
		}
		v, ok := pred.Get(g.property)
		if !ok {
			return Value{}, configErrorf(g.predictors[i].spec.ID, "no output for %s", g.property)
		}
		return v, nil
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[%s] Warning: group %s unavailable for object %s: %v",
				middleware.LogID(ctx), g.property, rec.ID, err)
		}
		metrics.RecordGroupOutcome(g.property, "unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unavailable(g.kind, err)
	}

	c := g.Reduce(values)
	outcome := "ok"
	if !c.Available() {
		outcome = "unavailable"
	}
	metrics.RecordGroupOutcome(g.property, outcome)
	return values, c
}
