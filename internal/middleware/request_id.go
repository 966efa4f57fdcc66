// internal/middleware/request_id.go
package middleware

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// RequestIDHeader is the metadata key carrying the request ID
	RequestIDHeader = "x-request-id"

	// maxRequestIDLen caps client-supplied IDs before they reach log lines
	maxRequestIDLen = 128
)

type requestIDKey struct{}

// UnaryRequestIDInterceptor takes x-request-id from incoming metadata, or
// generates a UUID, stores it in the context and echoes it as a response header.
func UnaryRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := extractRequestID(ctx)
		if requestID == "" {
			requestID = NewRequestID()
		}
		ctx = WithRequestID(ctx, requestID)

		// Fails only outside a server transport, e.g. in unit tests.
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		return handler(ctx, req)
	}
}

// NewRequestID returns a fresh random request ID.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID returns a context carrying id. Batch jobs use it to tag
// log lines the way gRPC calls are tagged.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func extractRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(RequestIDHeader)
	if len(values) == 0 {
		return ""
	}
	id := strings.TrimSpace(values[0])
	if len(id) > maxRequestIDLen {
		id = id[:maxRequestIDLen]
	}
	return id
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// LogID is the request ID for log lines: GetRequestID, or "unknown" when
// the context carries none.
func LogID(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}
