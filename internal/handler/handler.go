// internal/handler/handler.go
package handler

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"
	"github.com/SyedDaiam9101/astro-ensemble/internal/middleware"
)

// Handler implements EnsembleServer over a set of configured pipelines.
type Handler struct {
	pipelines  map[string]*ensemble.Orchestrator
	predictors map[string]*ensemble.Predictor
	sampler    catalog.Sampler
	timeout    time.Duration
}

// New creates a Handler. Every predictor referenced by a pipeline is also
// available to Infer. sampler may be nil, in which case RandomID fails with
// FailedPrecondition. A timeout of zero disables the per-call deadline.
func New(pipelines []*ensemble.Orchestrator, sampler catalog.Sampler, timeout time.Duration) *Handler {
	h := &Handler{
		pipelines:  make(map[string]*ensemble.Orchestrator, len(pipelines)),
		predictors: make(map[string]*ensemble.Predictor),
		sampler:    sampler,
		timeout:    timeout,
	}
	for _, o := range pipelines {
		h.pipelines[o.Name()] = o
		for _, g := range o.Groups() {
			for _, p := range g.Predictors() {
				h.predictors[p.ID()] = p
			}
		}
	}
	return h
}

// Pipelines returns the served pipeline names, sorted.
func (h *Handler) Pipelines() []string {
	names := make([]string, 0, len(h.pipelines))
	for name := range h.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process runs a pipeline on one object.
func (h *Handler) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	requestID := middleware.LogID(ctx)

	if req == nil {
		return nil, invalidArgumentError("request cannot be nil")
	}
	name, err := stringField(req, "pipeline")
	if err != nil {
		return nil, err
	}
	objid, err := stringField(req, "objid")
	if err != nil {
		return nil, err
	}
	if len(h.pipelines) == 0 {
		return nil, failedPreconditionError("no pipelines configured")
	}
	o, ok := h.pipelines[name]
	if !ok {
		return nil, notFoundError("unknown pipeline %q (have %s)", name, strings.Join(h.Pipelines(), ", "))
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	result, err := o.Process(ctx, objid)
	if err != nil {
		log.Printf("[%s] Process %s/%s failed: %v", requestID, name, objid, err)
		return nil, grpcError(err)
	}

	resp, err := structpb.NewStruct(result.AsMap())
	if err != nil {
		return nil, internalError("encode result: %v", err)
	}
	log.Printf("[%s] Process: pipeline=%s, objid=%s, result={%s}, total_ms=%.2f",
		requestID, name, objid, result, float64(time.Since(start).Microseconds())/1000.0)
	return resp, nil
}

// Infer runs a single predictor on one object, with diagnostics when the
// request sets extra.
func (h *Handler) Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	requestID := middleware.LogID(ctx)

	if req == nil {
		return nil, invalidArgumentError("request cannot be nil")
	}
	model, err := stringField(req, "model")
	if err != nil {
		return nil, err
	}
	objid, err := stringField(req, "objid")
	if err != nil {
		return nil, err
	}
	extra := req.GetFields()["extra"].GetBoolValue()

	p, ok := h.predictors[model]
	if !ok {
		return nil, notFoundError("unknown model %q", model)
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	pred, err := p.Predict(ctx, objid, extra)
	if err != nil {
		log.Printf("[%s] Infer %s/%s failed: %v", requestID, model, objid, err)
		return nil, grpcError(err)
	}

	resp, err := structpb.NewStruct(pred.AsMap())
	if err != nil {
		return nil, internalError("encode prediction: %v", err)
	}
	log.Printf("[%s] Infer: model=%s, objid=%s, extra=%v, total_ms=%.2f",
		requestID, model, objid, extra, float64(time.Since(start).Microseconds())/1000.0)
	return resp, nil
}

// RandomID returns a random catalog object id.
func (h *Handler) RandomID(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if h.sampler == nil {
		return nil, failedPreconditionError("catalog backend cannot sample object ids")
	}
	id, err := h.sampler.RandomID(ctx)
	if err != nil {
		log.Printf("[%s] RandomID failed: %v", middleware.LogID(ctx), err)
		return nil, grpcError(err)
	}
	return wrapperspb.String(id), nil
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// stringField reads a required string field. Object ids must be sent as strings:
// they do not fit in a float64.
func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetKind() == nil {
		return "", invalidArgumentError("missing field %q", name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", invalidArgumentError("field %q must be a string", name)
	}
	id := strings.TrimSpace(s.StringValue)
	if id == "" {
		return "", invalidArgumentError("field %q is empty", name)
	}
	return id, nil
}

var _ EnsembleServer = (*Handler)(nil)
