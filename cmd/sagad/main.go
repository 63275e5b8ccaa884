// sagad hosts the saga framework as a standalone process: it wires the
// in-memory store, the monitor, the timeout manager and the diagnostic
// service behind an HTTP surface, and can drive a demo order saga to
// exercise the pipeline end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sagakit/sagakit/pkg/config"
	"github.com/sagakit/sagakit/pkg/diagnostics"
	"github.com/sagakit/sagakit/pkg/health"
	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/monitor"
	"github.com/sagakit/sagakit/pkg/orchestrator"
	"github.com/sagakit/sagakit/pkg/redisx"
	"github.com/sagakit/sagakit/pkg/resilience"
	"github.com/sagakit/sagakit/pkg/saga"
	"github.com/sagakit/sagakit/pkg/store"
	"github.com/sagakit/sagakit/pkg/timeout"
	"github.com/sagakit/sagakit/pkg/tracing"
)

const demoSagaType = "order-fulfillment"

type sagadConfig struct {
	Listen          string
	RedisAddr       string
	EventStream     string
	ScanInterval    time.Duration
	StuckThreshold  time.Duration
	Retention       time.Duration
	TracingEnabled  bool
	TracingEndpoint string
	SampleRate      float64
	Demo            bool
}

var (
	runFunc  = run
	exitFunc = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runFunc(ctx, os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func parseFlags(args []string) (sagadConfig, error) {
	fs := flag.NewFlagSet("sagad", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg sagadConfig
	fs.StringVar(&cfg.Listen, "listen", config.GetEnv("SAGAD_LISTEN", ":8080"), "http listen address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", config.GetEnv("SAGAD_REDIS_ADDR", ""), "redis address for event stream publishing (empty disables)")
	fs.StringVar(&cfg.EventStream, "event-stream", config.GetEnv("SAGAD_EVENT_STREAM", redisx.DefaultEventStream), "redis stream for lifecycle events")
	fs.DurationVar(&cfg.ScanInterval, "scan-interval", config.GetEnvDuration("SAGAD_SCAN_INTERVAL", timeout.DefaultScanInterval), "timeout scan interval")
	fs.DurationVar(&cfg.StuckThreshold, "stuck-threshold", config.GetEnvDuration("SAGAD_STUCK_THRESHOLD", monitor.DefaultStuckThreshold), "silence after which a saga is flagged stuck")
	fs.DurationVar(&cfg.Retention, "retention", config.GetEnvDuration("SAGAD_RETENTION", monitor.DefaultRetention), "finished saga retention window")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", config.GetEnvBool("SAGAD_TRACING_ENABLED", false), "enable jaeger tracing")
	fs.StringVar(&cfg.TracingEndpoint, "tracing-endpoint", config.GetEnv("SAGAD_TRACING_ENDPOINT", ""), "jaeger collector endpoint")
	fs.Float64Var(&cfg.SampleRate, "sample-rate", config.GetEnvFloat64("SAGAD_SAMPLE_RATE", 1), "trace sample rate 0.0-1.0")
	fs.BoolVar(&cfg.Demo, "demo", false, "run a demo order saga on startup")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return cfg, errors.New("missing required --listen")
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	log := logger.New("sagad", out)

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: "sagad",
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to init tracing: %v\n", err)
		return 2
	}
	defer shutdownTracing(context.Background())

	metrics := monitor.NewMetrics(nil)
	mon := monitor.NewMonitor(monitor.Options{
		Metrics:        metrics,
		StuckThreshold: cfg.StuckThreshold,
		Retention:      cfg.Retention,
		Logger:         log.WithField("subsystem", "monitor"),
	})
	if err := mon.Start(); err != nil {
		fmt.Fprintf(errOut, "failed to start monitor: %v\n", err)
		return 2
	}
	defer mon.Stop()

	publishers := saga.MultiPublisher{mon, monitor.NewLogPublisher(log.WithField("subsystem", "events"))}
	var redisClient *redisx.Client
	if cfg.RedisAddr != "" {
		rcfg := redisx.DefaultConfig
		rcfg.Addr = cfg.RedisAddr
		redisClient, err = redisx.NewClient(&rcfg)
		if err != nil {
			fmt.Fprintf(errOut, "failed to connect to redis: %v\n", err)
			return 2
		}
		defer redisClient.Close()
		publishers = append(publishers, redisx.NewStreamPublisher(redisClient.Client, cfg.EventStream, 0))
	}

	registry := orchestrator.NewRegistry()
	tm := timeout.NewManager(registry, cfg.ScanInterval, log.WithField("subsystem", "timeout"))

	sagaStore := store.NewMemoryStore()
	orch, err := orchestrator.New(demoSagaType, sagaStore, demoHandlers(), orchestrator.Options{
		Retry:     resilience.DefaultRetryPolicy,
		Breaker:   resilience.NewCircuitBreaker(5, 30*time.Second),
		Publisher: publishers,
		Logger:    log.WithField("subsystem", "orchestrator"),
		Deadlines: tm,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to build orchestrator: %v\n", err)
		return 2
	}
	if err := registry.Register(orch); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if err := tm.Start(ctx); err != nil {
		fmt.Fprintf(errOut, "failed to start timeout manager: %v\n", err)
		return 2
	}
	defer tm.Stop()

	h := health.New()
	h.Register(health.NewStoreChecker("memory-store", sagaStore))
	h.Register(&health.LoopChecker{LoopName: "timeout-scan", Monitor: tm.LoopMonitor(), MaxAge: 3 * cfg.ScanInterval})
	h.Register(&health.LoopChecker{LoopName: "monitor-cleanup", Monitor: mon.LoopMonitor(), MaxAge: 3 * monitor.DefaultCleanupInterval})
	if redisClient != nil {
		h.Register(health.NewRedisChecker(redisPingAdapter{redisClient}))
	}
	h.SetReady(true)

	diag := diagnostics.NewService(registry, mon, log.WithField("subsystem", "diagnostics"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.LiveHandler())
	mux.HandleFunc("/readyz", h.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/sagas", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.GetActiveSagas())
	})
	mux.HandleFunc("/api/health-report", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.GetHealthReport())
	})
	mux.HandleFunc("/api/diagnose", diagnoseHandler(diag))
	mux.HandleFunc("/api/debug-bundle", func(w http.ResponseWriter, r *http.Request) {
		bundle, err := diag.CollectBundle(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := diagnostics.ExportBundle(bundle)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(data)
	})

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("sagad listening", map[string]interface{}{"addr": cfg.Listen})
		errCh <- server.ListenAndServe()
	}()

	if cfg.Demo {
		go runDemoSaga(ctx, orch, log)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(errOut, err.Error())
			return 2
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(errOut, "shutdown: %v\n", err)
		return 1
	}
	log.Info("sagad stopped")
	return 0
}

func diagnoseHandler(diag *diagnostics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sagaType := r.URL.Query().Get("type")
		sagaID := r.URL.Query().Get("id")
		format := diagnostics.Format(r.URL.Query().Get("format"))
		if format == "" {
			format = diagnostics.FormatJSON
		}

		report, err := diag.GenerateReport(r.Context(), sagaType, sagaID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, saga.ErrNotFound) {
				status = http.StatusNotFound
			}
			if errors.Is(err, saga.ErrValidation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		data, err := diagnostics.Export(report, format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch format {
		case diagnostics.FormatXML:
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		case diagnostics.FormatCSV:
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		default:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Write(data)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func runDemoSaga(ctx context.Context, orch *orchestrator.Orchestrator, log *logger.Logger) {
	state := saga.NewState(demoSagaType)
	state.CorrelationID = "demo-" + state.ID[:8]
	state.Metadata.Initiator = "sagad-demo"
	state.Metadata.Timeout = time.Minute
	state.Metadata.TimeoutAction = saga.TimeoutActionCompensate
	state.AddStep(saga.NewStep("reserve-inventory")).
		AddStep(saga.NewStep("charge-payment")).
		AddStep(saga.NewStep("ship-order"))

	if err := orch.Start(ctx, state); err != nil {
		log.WithError(err).Error("demo saga failed to run")
		return
	}
	log.Infof("demo saga finished", map[string]interface{}{
		"sagaId": state.ID,
		"status": string(state.Status),
	})
}

// redisPingAdapter narrows *redisx.Client to the health checker's view.
type redisPingAdapter struct {
	client *redisx.Client
}

func (a redisPingAdapter) Ping(ctx context.Context) health.RedisPingCmd {
	return a.client.Client.Ping(ctx)
}
