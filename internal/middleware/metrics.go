// internal/middleware/metrics.go
package middleware

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/SyedDaiam9101/astro-ensemble/internal/metrics"
)

// UnaryMetricsInterceptor records the latency of every unary call, labelled
// by method and status code.
func UnaryMetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordGRPCLatency(info.FullMethod, statusCode(err), time.Since(start).Seconds())
		return resp, err
	}
}

// UnaryLoggingInterceptor logs one line per call. Calls slower than slow
// are logged as warnings; slow <= 0 disables the warning.
func UnaryLoggingInterceptor(slow time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		reqID := LogID(ctx)
		switch {
		case err != nil:
			log.Printf("[%s] %s failed with %s after %dms: %v",
				reqID, info.FullMethod, statusCode(err), elapsed.Milliseconds(), err)
		case slow > 0 && elapsed > slow:
			log.Printf("[%s] Warning: slow call %s took %dms", reqID, info.FullMethod, elapsed.Milliseconds())
		default:
			log.Printf("[%s] %s OK in %dms", reqID, info.FullMethod, elapsed.Milliseconds())
		}
		return resp, err
	}
}

func statusCode(err error) string {
	if err == nil {
		return "OK"
	}
	if st, ok := status.FromError(err); ok {
		return st.Code().String()
	}
	return "Unknown"
}
