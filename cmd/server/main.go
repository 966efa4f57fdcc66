// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SyedDaiam9101/astro-ensemble/internal/archive"
	"github.com/SyedDaiam9101/astro-ensemble/internal/cache"
	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/config"
	"github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"
	"github.com/SyedDaiam9101/astro-ensemble/internal/handler"
	"github.com/SyedDaiam9101/astro-ensemble/internal/inference"
	"github.com/SyedDaiam9101/astro-ensemble/internal/metrics"
	"github.com/SyedDaiam9101/astro-ensemble/internal/middleware"
	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
	"github.com/SyedDaiam9101/astro-ensemble/internal/skyserver"
)

const serviceName = "astro-ensemble"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the service, or processes one batch, and returns the exit code.
// Once a close is deferred, errors return 1 instead of calling log.Fatalf.
func run(args []string) int {
	flags := flag.NewFlagSet(serviceName, flag.ExitOnError)

	// Parse command-line flags
	port := flags.Int("port", 0, "gRPC server port (default: 50051)")
	metricsPort := flags.Int("metrics", 0, "Prometheus metrics port (default: 9100)")
	configFile := flags.String("config", "", "Path to config file (optional)")
	modelStore := flags.String("model-store", "", "Model store directory")
	catalogBackend := flags.String("catalog", "", "Catalog backend: sqlite, postgres or skyserver")
	redisAddr := flags.String("redis", "", "Redis address; selects the redis modality cache")
	concurrency := flags.Int("concurrency", 0, "Predictor calls in flight per group (default: 10)")
	useMock := flags.Bool("mock", false, "Use mock models (for testing)")
	batchPipeline := flags.String("pipeline", "", "Process -objids with this pipeline, print JSON lines and exit")
	batchIDs := flags.String("objids", "", "Comma separated object ids for -pipeline")
	flags.Parse(args)

	overrides := make(map[string]any)
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			overrides["port"] = *port
		case "metrics":
			overrides["metrics_port"] = *metricsPort
		case "model-store":
			overrides["model_store"] = *modelStore
		case "catalog":
			overrides["catalog_backend"] = *catalogBackend
		case "redis":
			overrides["redis"] = *redisAddr
			overrides["cache_backend"] = "redis"
		case "concurrency":
			overrides["concurrency"] = *concurrency
		case "mock":
			overrides["use_mock_inference"] = *useMock
		}
	})

	cfg, err := config.Load(*configFile, overrides)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting %s...", serviceName)
	log.Printf("Configuration: port=%d, metrics=%d, catalog=%s, cache=%s, model_store=%s, mock=%v, concurrency=%d, pipelines=%v, otel=%v",
		cfg.Port, cfg.MetricsPort, cfg.CatalogBackend, cfg.CacheBackend, cfg.ModelStore,
		cfg.UseMockInference, cfg.Concurrency, cfg.PipelineNames(), cfg.OTELEnabled)

	ctx := context.Background()

	// Initialize OpenTelemetry tracer
	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer(cfg.OTELEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize tracer: %v", err)
		} else {
			log.Printf("OpenTelemetry tracing enabled (endpoint: %s)", cfg.OTELEndpoint)
		}
	}

	sky := skyserver.New(skyserver.Config{
		BaseURL:   cfg.SkyServerURL,
		RateLimit: cfg.SkyServerRateLimit,
		RateBurst: cfg.SkyServerBurst,
	})

	lookup, sampler, closeCatalog, err := openCatalog(ctx, cfg, sky)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer closeCatalog()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	opts := []modality.Option{
		modality.WithDataDir(cfg.DataDir),
		modality.WithRemote(sky),
		modality.WithFetchTimeout(cfg.ProcessTimeout),
	}
	if store != nil {
		opts = append(opts, modality.WithStore(store))
	}
	if cfg.Archive.Endpoint != "" {
		arc, err := archive.New(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Region:    cfg.Archive.Region,
		})
		if err != nil {
			log.Printf("Warning: Failed to create archive client: %v (continuing without archive)", err)
		} else {
			if err := arc.Ping(ctx); err != nil {
				log.Printf("Warning: Archive %s not reachable yet: %v", cfg.Archive.Endpoint, err)
			}
			opts = append(opts, modality.WithArchive(arc))
			log.Printf("Flux cutout archive: %s/%s", cfg.Archive.Endpoint, cfg.Archive.Bucket)
		}
	}
	resolver := modality.NewResolver(opts...)

	// Load models
	if cfg.UseMockInference {
		log.Printf("Using mock models")
	} else {
		log.Printf("Initializing ONNX runtime...")
		if err := inference.InitEnvironment(cfg.ONNXLibrary); err != nil {
			log.Printf("Failed to initialize ONNX runtime: %v", err)
			return 1
		}
		defer inference.DestroyEnvironment()
	}
	registry := inference.NewRegistry(cfg.ModelStore, cfg.UseMockInference)
	defer registry.Close()

	builder := ensemble.NewBuilder(registry, lookup, resolver, cfg.Labels, cfg.Concurrency)
	var pipelines []*ensemble.Orchestrator
	for _, name := range cfg.PipelineNames() {
		o, err := builder.Pipeline(name, cfg.Pipelines[name])
		if err != nil {
			log.Printf("Failed to build pipeline %s: %v", name, err)
			return 1
		}
		pipelines = append(pipelines, o)
		log.Printf("Pipeline %s ready with %d groups", name, len(o.Groups()))
	}

	if *batchPipeline != "" {
		if err := runBatch(ctx, pipelines, *batchPipeline, *batchIDs, cfg.ProcessTimeout); err != nil {
			log.Printf("Batch run failed: %v", err)
			return 1
		}
		return 0
	}

	// Create gRPC health server
	healthServer := health.NewServer()

	// Start HTTP server for metrics and health checks
	httpServer := startHTTPServer(cfg.MetricsPort, healthServer)

	// Build interceptor chain
	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(),
		middleware.UnaryLoggingInterceptor(cfg.ProcessTimeout / 2),
	}

	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if cfg.OTELEnabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	grpcServer := grpc.NewServer(serverOpts...)

	// Register Ensemble service
	h := handler.New(pipelines, sampler, cfg.ProcessTimeout)
	handler.RegisterEnsembleServer(grpcServer, h)

	// Register health service
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	addr := fmt.Sprintf(":%d", cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("Failed to listen on %s: %v", addr, err)
		return 1
	}

	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING) // Overall health
	metrics.SetHealthy()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down gracefully...", sig)

		healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.SetUnhealthy()

		// Give time for load balancers to detect unhealthy status
		time.Sleep(5 * time.Second)

		grpcServer.GracefulStop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)

		if tracerShutdown != nil {
			tracerShutdown(ctx)
		}
	}()

	log.Printf("gRPC server listening on %s", addr)
	log.Printf("%s is ready to accept requests (pipelines: %s)", serviceName, strings.Join(h.Pipelines(), ", "))

	if err := grpcServer.Serve(lis); err != nil {
		log.Printf("Failed to serve: %v", err)
		return 1
	}

	log.Printf("Server shutdown complete")
	return 0
}

// openCatalog opens the configured catalog backend. The sampler is nil for
// backends that cannot pick random ids.
func openCatalog(ctx context.Context, cfg *config.Config, sky *skyserver.Client) (catalog.Lookup, catalog.Sampler, func(), error) {
	switch cfg.CatalogBackend {
	case "sqlite":
		db, err := catalog.OpenSQLite(cfg.CatalogPath)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.CatalogCSV != "" {
			n, err := db.ImportCSVFile(ctx, cfg.CatalogCSV)
			if err != nil {
				db.Close()
				return nil, nil, nil, fmt.Errorf("import %s: %w", cfg.CatalogCSV, err)
			}
			log.Printf("Imported %d objects from %s", n, cfg.CatalogCSV)
		}
		log.Printf("Catalog: sqlite at %s", cfg.CatalogPath)
		return db, db, func() { db.Close() }, nil
	case "postgres":
		pg, err := catalog.OpenPostgres(ctx, cfg.CatalogDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("Catalog: postgres")
		return pg, pg, pg.Close, nil
	case "skyserver":
		log.Printf("Catalog: SkyServer at %s (wise=%v)", cfg.SkyServerURL, cfg.SkyServerWISE)
		return skyserver.NewCatalog(sky, cfg.SkyServerWISE), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.CatalogBackend)
	}
}

// openStore opens the modality cache. A Redis cache that cannot be reached
// falls back to the file store; without either the service runs uncached.
func openStore(ctx context.Context, cfg *config.Config) (modality.Store, func()) {
	if cfg.CacheBackend == "redis" {
		log.Printf("Connecting to Redis at %s...", cfg.Redis)
		c, err := cache.New(ctx, cfg.Redis, cfg.CacheTTL)
		if err == nil {
			log.Printf("Redis connected successfully")
			return c, func() { c.Close() }
		}
		log.Printf("Warning: Failed to connect to Redis: %v (falling back to %s)", err, cfg.CacheDir)
	}
	fs, err := modality.NewFileStore(cfg.CacheDir)
	if err != nil {
		log.Printf("Warning: Failed to open cache directory %s: %v (continuing without cache)", cfg.CacheDir, err)
		return nil, func() {}
	}
	log.Printf("Modality cache: %s", cfg.CacheDir)
	return fs, func() {}
}

// runBatch processes objids with one pipeline and prints one JSON document
// per object on stdout. A failed object is logged and skipped.
func runBatch(ctx context.Context, pipelines []*ensemble.Orchestrator, name, objids string, timeout time.Duration) error {
	var o *ensemble.Orchestrator
	for _, p := range pipelines {
		if p.Name() == name {
			o = p
		}
	}
	if o == nil {
		return fmt.Errorf("unknown pipeline %q", name)
	}
	ids := strings.FieldsFunc(objids, func(r rune) bool { return r == ',' || r == ' ' })
	if len(ids) == 0 {
		return fmt.Errorf("-objids is empty")
	}

	failed := 0
	for _, id := range ids {
		reqCtx, cancel := context.WithTimeout(middleware.WithRequestID(ctx, middleware.NewRequestID()), timeout)
		result, err := o.Process(reqCtx, id)
		cancel()
		if err != nil {
			log.Printf("[%s] Failed to process %s: %v", middleware.LogID(reqCtx), id, err)
			failed++
			continue
		}
		s, err := structpb.NewStruct(result.AsMap())
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		line, err := protojson.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		fmt.Println(string(line))
	}
	if failed == len(ids) {
		return fmt.Errorf("all %d objects failed", failed)
	}
	return nil
}

func startHTTPServer(port int, healthServer *health.Server) *http.Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service Unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness check
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{Service: handler.ServiceName})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s (metrics, health)", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return server
}

func initTracer(endpoint string) (func(context.Context) error, error) {
	// Spans go to stdout; the endpoint is only reported.
	if endpoint != "" {
		log.Printf("Note: Using stdout trace exporter (OTLP endpoint: %s)", endpoint)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
