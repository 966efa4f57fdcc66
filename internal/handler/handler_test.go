// internal/handler/handler_test.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"
	"github.com/SyedDaiam9101/astro-ensemble/internal/inference"
	"github.com/SyedDaiam9101/astro-ensemble/internal/middleware"
	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

const testObjID = "1237648720693755918"

// newTestHandler serves one pipeline over mock models. The object has no
// w4mag, so the smass group (infrared input) is unavailable.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mem := catalog.NewMemory(catalog.NewRecord(testObjID, map[string]any{
		"ra": 229.525, "dec": 42.746,
		"modelMag_u": 19.1, "modelMag_g": 17.6, "modelMag_r": 16.8, "modelMag_i": 16.4, "modelMag_z": 16.1,
		"w1mag": 13.9, "w2mag": 13.8, "w3mag": 12.1, "w4mag": nil,
	}))
	reg := inference.NewRegistry(filepath.Join(t.TempDir(), "no-store"), true)
	t.Cleanup(func() { reg.Close() })

	b := ensemble.NewBuilder(reg, mem, modality.NewResolver(), ensemble.DefaultLabels, 4)
	o, err := b.Pipeline("quick", map[string][]string{
		"redshift": {"b2r"},
		"smass":    {"w2sm"},
		"gz2c":     {"b2g"},
	})
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	return New([]*ensemble.Orchestrator{o}, mem, time.Minute)
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return s
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %v error, got nil", want)
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("Expected gRPC status error, got: %v", err)
	}
	if st.Code() != want {
		t.Errorf("Expected %v, got: %v (%s)", want, st.Code(), st.Message())
	}
}

func TestProcessWithNilRequest(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Process(context.Background(), nil)
	expectCode(t, err, codes.InvalidArgument)
}

func TestProcessValidation(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name   string
		fields map[string]any
		want   codes.Code
	}{
		{"missing pipeline", map[string]any{"objid": testObjID}, codes.InvalidArgument},
		{"numeric objid", map[string]any{"pipeline": "quick", "objid": 1.2376487206937559e18}, codes.InvalidArgument},
		{"empty objid", map[string]any{"pipeline": "quick", "objid": "  "}, codes.InvalidArgument},
		{"unknown pipeline", map[string]any{"pipeline": "galaxies", "objid": testObjID}, codes.NotFound},
		{"unknown object", map[string]any{"pipeline": "quick", "objid": "42"}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Process(context.Background(), request(t, tt.fields))
			expectCode(t, err, tt.want)
		})
	}
}

func TestProcessWithNoPipelines(t *testing.T) {
	h := New(nil, nil, 0)
	_, err := h.Process(context.Background(), request(t, map[string]any{"pipeline": "quick", "objid": testObjID}))
	expectCode(t, err, codes.FailedPrecondition)
}

func TestProcessWithMockModels(t *testing.T) {
	h := newTestHandler(t)

	resp, err := h.Process(context.Background(), request(t, map[string]any{"pipeline": "quick", "objid": testObjID}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	m := resp.AsMap()

	if m["objid"] != testObjID || m["pipeline"] != "quick" {
		t.Errorf("unexpected header fields: objid=%v pipeline=%v", m["objid"], m["pipeline"])
	}
	output, ok := m["output"].(map[string]any)
	if !ok {
		t.Fatalf("Expected output map, got %T", m["output"])
	}
	if _, ok := output["redshift"].(float64); !ok {
		t.Errorf("Expected numeric redshift, got %v", output["redshift"])
	}
	label, _ := output["gz2c"].(string)
	if label != "E" && label != "S" && label != "SB" {
		t.Errorf("Expected a gz2c label, got %v", output["gz2c"])
	}
	if output["smass"] != nil {
		t.Errorf("Expected smass unavailable, got %v", output["smass"])
	}
	errs, ok := m["errors"].(map[string]any)
	if !ok || errs["smass"] == nil {
		t.Errorf("Expected an smass error entry, got %v", m["errors"])
	}

	again, err := h.Process(context.Background(), request(t, map[string]any{"pipeline": "quick", "objid": testObjID}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if fmt.Sprint(again.AsMap()["output"]) != fmt.Sprint(m["output"]) {
		t.Errorf("Expected identical output on repeat, got %v and %v", m["output"], again.AsMap()["output"])
	}
}

func TestProcessCancelled(t *testing.T) {
	h := newTestHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Process(ctx, request(t, map[string]any{"pipeline": "quick", "objid": testObjID}))
	expectCode(t, err, codes.Canceled)
}

func TestInfer(t *testing.T) {
	h := newTestHandler(t)

	resp, err := h.Infer(context.Background(), request(t, map[string]any{"model": "b2g", "objid": testObjID, "extra": true}))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	m := resp.AsMap()
	if m["model"] != "b2g" {
		t.Errorf("Expected model b2g, got %v", m["model"])
	}
	scores, ok := m["output"].([]any)
	if !ok || len(scores) != 1 {
		t.Fatalf("Expected one output, got %v", m["output"])
	}
	if s, ok := scores[0].([]any); !ok || len(s) != 3 {
		t.Errorf("Expected 3 gz2c scores, got %v", scores[0])
	}
	input, ok := m["input"].(map[string]any)
	if !ok || input["photometric-bands"] == nil {
		t.Errorf("Expected diagnostics input, got %v", m["input"])
	}

	_, err = h.Infer(context.Background(), request(t, map[string]any{"model": "w2sm", "objid": testObjID}))
	expectCode(t, err, codes.Unavailable)

	_, err = h.Infer(context.Background(), request(t, map[string]any{"model": "i2r", "objid": testObjID}))
	expectCode(t, err, codes.NotFound)
}

func TestRandomID(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.RandomID(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("RandomID failed: %v", err)
	}
	if resp.GetValue() != testObjID {
		t.Errorf("Expected %s, got %s", testObjID, resp.GetValue())
	}

	_, err = New(nil, nil, 0).RandomID(context.Background(), &emptypb.Empty{})
	expectCode(t, err, codes.FailedPrecondition)
}

func TestGRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", fmt.Errorf("lookup: %w", catalog.ErrNotFound), codes.NotFound},
		{"missing model", fmt.Errorf("store: %w", inference.ErrModelMissing), codes.NotFound},
		{"config", fmt.Errorf("pipeline x: %w", &ensemble.ConfigError{Subject: "gz2c", Reason: "no predictors"}), codes.FailedPrecondition},
		{"modality", &modality.Error{Object: testObjID, Modality: modality.Spectrum, Err: errors.New("timeout")}, codes.Unavailable},
		{"inference", fmt.Errorf("model b2r: %w", inference.ErrInference), codes.Internal},
		{"cancelled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"status passthrough", status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, grpcError(tt.err), tt.want)
		})
	}
	if grpcError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(),
	))
	RegisterEnsembleServer(srv, newTestHandler(t))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	client := NewClient(conn)

	ctx := metadata.AppendToOutgoingContext(context.Background(), middleware.RequestIDHeader, "round-trip-1")
	var header metadata.MD
	result, err := client.Process(ctx, "quick", testObjID, grpc.Header(&header))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result["objid"] != testObjID {
		t.Errorf("Expected objid %s, got %v", testObjID, result["objid"])
	}
	if got := header.Get(middleware.RequestIDHeader); len(got) != 1 || got[0] != "round-trip-1" {
		t.Errorf("Expected request id echoed in header, got %v", got)
	}

	pred, err := client.Infer(context.Background(), "b2r", testObjID, false)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if _, ok := pred["input"]; ok {
		t.Error("Expected no diagnostics without extra")
	}

	id, err := client.RandomID(context.Background())
	if err != nil || id != testObjID {
		t.Errorf("RandomID = %q, %v", id, err)
	}

	_, err = client.Process(context.Background(), "quick", "404")
	expectCode(t, err, codes.NotFound)
}
