// internal/middleware/middleware_test.go
package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestUnaryRequestIDInterceptor_GeneratesID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	// Create a mock handler that captures the context
	var capturedCtx context.Context
	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		capturedCtx = ctx
		return "response", nil
	}

	// Call with empty context (no incoming metadata)
	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/astro.v1.Ensemble/Process"}

	_, err := interceptor(ctx, nil, info, mockHandler)
	if err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}

	// Verify request ID was generated and added to context
	requestID := GetRequestID(capturedCtx)
	if requestID == "" {
		t.Error("Expected request ID to be generated, got empty string")
	}

	// Verify it looks like a UUID (36 chars with dashes)
	if len(requestID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars: %s", len(requestID), requestID)
	}
}

func TestUnaryRequestIDInterceptor_PreservesExistingID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	existingID := "test-request-id-12345"

	var capturedCtx context.Context
	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		capturedCtx = ctx
		return "response", nil
	}

	// Create context with incoming metadata containing request ID
	md := metadata.Pairs(RequestIDHeader, existingID)
	ctx := metadata.NewIncomingContext(context.Background(), md)
	info := &grpc.UnaryServerInfo{FullMethod: "/astro.v1.Ensemble/Process"}

	_, err := interceptor(ctx, nil, info, mockHandler)
	if err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}

	// Verify the existing request ID was preserved
	requestID := GetRequestID(capturedCtx)
	if requestID != existingID {
		t.Errorf("Expected request ID %s, got %s", existingID, requestID)
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	ctx := context.Background()
	requestID := GetRequestID(ctx)
	if requestID != "" {
		t.Errorf("Expected empty request ID from empty context, got %s", requestID)
	}
}

func TestLogID(t *testing.T) {
	if got := LogID(context.Background()); got != "unknown" {
		t.Errorf("Expected unknown for a context without ID, got %s", got)
	}
	if got := LogID(WithRequestID(context.Background(), "batch-7")); got != "batch-7" {
		t.Errorf("Expected batch-7, got %s", got)
	}
}

func TestUnaryRequestIDInterceptor_TruncatesLongID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	var capturedCtx context.Context
	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		capturedCtx = ctx
		return nil, nil
	}

	md := metadata.Pairs(RequestIDHeader, "  "+strings.Repeat("a", 500)+"  ")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	info := &grpc.UnaryServerInfo{FullMethod: "/astro.v1.Ensemble/Process"}

	if _, err := interceptor(ctx, nil, info, mockHandler); err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}
	if got := GetRequestID(capturedCtx); len(got) != maxRequestIDLen {
		t.Errorf("Expected request ID truncated to %d chars, got %d", maxRequestIDLen, len(got))
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "batch-7")
	if got := GetRequestID(ctx); got != "batch-7" {
		t.Errorf("Expected batch-7, got %s", got)
	}
	if a, b := NewRequestID(), NewRequestID(); a == b {
		t.Error("Expected distinct generated IDs")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "OK"},
		{status.Error(codes.NotFound, "object 42 not found"), "NotFound"},
		{errors.New("plain"), "Unknown"},
	}
	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.want {
			t.Errorf("statusCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestInterceptorsPassThrough(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/astro.v1.Ensemble/Infer"}
	wantErr := status.Error(codes.Unavailable, "spectrum fetch failed")
	failing := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, wantErr
	}
	ok := func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(2 * time.Millisecond)
		return "response", nil
	}

	for name, interceptor := range map[string]grpc.UnaryServerInterceptor{
		"metrics": UnaryMetricsInterceptor(),
		"logging": UnaryLoggingInterceptor(time.Millisecond),
	} {
		resp, err := interceptor(context.Background(), nil, info, ok)
		if err != nil || resp != "response" {
			t.Errorf("%s: expected response to pass through, got %v, %v", name, resp, err)
		}
		if _, err := interceptor(context.Background(), nil, info, failing); err != wantErr {
			t.Errorf("%s: expected error to pass through, got %v", name, err)
		}
	}
}
