// nft-ledgerd: syncs ERC-721/1155 transfer logs into Postgres and keeps
// the materialized holder state rebuilt. One worker per configured
// contract; /healthz and /metrics on the side.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h4shkid/ClickCreateProjects-sub003/chain"
	"github.com/h4shkid/ClickCreateProjects-sub003/config"
	"github.com/h4shkid/ClickCreateProjects-sub003/ingest"
	"github.com/h4shkid/ClickCreateProjects-sub003/ledger"
	"github.com/h4shkid/ClickCreateProjects-sub003/metrics"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := ledger.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("connect store", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if corrected, err := store.ReconcileSequence(ctx); err != nil {
		slog.Error("reconcile id sequence", "err", err)
		os.Exit(1)
	} else if corrected {
		slog.Warn("id sequence was behind max(id); advanced")
	}

	client, err := chain.Dial(ctx, cfg.RPC.Endpoint, chain.Options{
		MaxAttempts:       cfg.RPC.MaxAttempts,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		RateLimitDelay:    cfg.RateLimitDelay(),
	}, logger)
	if err != nil {
		slog.Error("dial rpc endpoint", "err", err)
		os.Exit(1)
	}

	fetcher := ingest.NewFetcher(client, ingest.FetcherOptions{
		Concurrency: cfg.Sync.Concurrency,
		Pause:       cfg.Pause(),
	}, logger)
	syncer := ingest.NewSyncer(fetcher, store, ingest.SyncerOptions{MaxChunk: cfg.Sync.MaxChunk}, logger)

	for _, ct := range cfg.Contracts {
		go runContract(ctx, syncer, store, client, ct, cfg.Interval(), logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: instrument(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
			cancel()
		}
	}()
	slog.Info("starting", "addr", srv.Addr, "contracts", len(cfg.Contracts))

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

// runContract ticks one contract: sync to head, fill detected gaps,
// rebuild holder state, verify conservation. Exits on ctx.Done().
func runContract(ctx context.Context, syncer *ingest.Syncer, store *ledger.PostgresStore, client *chain.Client, ct config.Contract, interval time.Duration, log *slog.Logger) {
	addr := common.HexToAddress(ct.Address)
	key := strings.ToLower(addr.Hex())
	std := ingest.Standard(ct.Standard)
	log = log.With("contract", key)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// First pass immediately, then on the ticker.
	for {
		syncOnce(ctx, syncer, store, client, addr, key, std, ct.StartBlock, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, syncer *ingest.Syncer, store *ledger.PostgresStore, client *chain.Client, addr common.Address, key string, std ingest.Standard, startBlock uint64, log *slog.Logger) {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		log.Warn("head block unavailable", "err", err)
		return
	}

	from := startBlock
	if cp, ok, err := store.Checkpoint(ctx, key); err != nil {
		log.Warn("read checkpoint", "err", err)
		return
	} else if ok && cp >= from {
		from = cp + 1
	}

	mutated := false
	if from <= head {
		report, err := syncer.SyncRange(ctx, addr, std, from, head)
		var partial *ingest.PartialRangeError
		switch {
		case err == nil:
			mutated = report.EventsInserted > 0
			if err := store.SetCheckpoint(ctx, key, head); err != nil {
				log.Warn("save checkpoint", "err", err)
			}
		case errors.As(err, &partial):
			// Checkpoint stops before the first unresolved block; the
			// gap-fill pass retries the rest next tick.
			mutated = report.EventsInserted > 0
			safe := partial.Gaps[0].From
			if safe > from {
				if err := store.SetCheckpoint(ctx, key, safe-1); err != nil {
					log.Warn("save checkpoint", "err", err)
				}
			}
			log.Warn("sync run left residual gaps", "gaps", len(partial.Gaps))
		default:
			log.Error("sync run failed", "err", err)
			return
		}
	}

	gaps, err := ledger.FindGaps(ctx, store, key)
	if err != nil {
		log.Warn("gap scan failed", "err", err)
	}
	metrics.GapsFound.Add(float64(len(gaps)))
	for _, g := range gaps {
		report, err := syncer.FillGap(ctx, addr, std, g)
		if err != nil {
			log.Warn("gap fill incomplete", "from", g.From, "to", g.To, "err", err)
			continue
		}
		mutated = mutated || report.EventsInserted > 0
		log.Info("gap filled", "from", g.From, "to", g.To, "inserted", report.EventsInserted)
	}

	if !mutated {
		return
	}
	start := time.Now()
	stats, err := store.RebuildHolderBalances(ctx, key)
	metrics.RebuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("holder state rebuild failed", "err", err)
		return
	}
	log.Info("holder state rebuilt",
		"holders", stats.Holders, "tokens", stats.Tokens, "records", stats.Records)
	if err := ledger.VerifyConservation(ctx, store, key); err != nil {
		log.Error("ledger integrity check failed", "err", err)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// instrument wraps handlers to record Prometheus metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusLabel(ww.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
