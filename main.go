// Per-store inventory harvester for the Lowe's mobile API
// --------------------------------------------------------
//
// Batch job: load a product catalog and a store list, build the cross-product
// of eligible (product, store) combinations, and harvest per-store inventory,
// price and rating data through a bounded worker pool.
//
//   - N workers, each with its own OAuth token (15 min / 100 lookups),
//     fingerprint headers and sliding-window rate limit
//   - Global concurrency permit across all workers
//   - Append-only CSV sink (or optional Postgres sink)
//   - Embedded /metrics (Prometheus exposition) and /debug/pprof/*
//
// Configuration is primarily via environment variables (flags can override):
//   PRODUCTS_CSV, STORES_JSON, PROXIES_FILE, OUT_CSV, WORKERS, REQS_PER_MINUTE,
//   GLOBAL_LIMIT, RETRIES, REQUEST_RPS, METRICS_ADDR, PG_DSN, PG_SCHEMA, ...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ───────── Defaults ─────────

const (
	IDLE_CONN_TIMEOUT = 90 * time.Second

	defaultWorkers       = 10
	defaultReqsPerMinute = 60
	defaultGlobalLimit   = 200
	defaultRetries       = 3
	defaultDelay         = 100 * time.Millisecond
	defaultTimeout       = 30 * time.Second
)

// ───────── Config ─────────

type config struct {
	products string
	stores   string
	proxies  string
	out      string

	workers     int
	perMinute   int
	globalLimit int
	retries     int
	delay       time.Duration
	timeout     time.Duration
	rps         float64

	progress bool
	jsonLogs bool

	metricsAddr string

	authURL    string
	productURL string

	// DB (optional)
	pgDSN        string
	pgSchema     string
	pgMaxConns   int
	pgViaBouncer bool
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.products, "products", envString("PRODUCTS_CSV", ""), "Product catalog CSV path. Env: PRODUCTS_CSV")
	flag.StringVar(&cfg.stores, "stores", envString("STORES_JSON", "store_ids.json"), "Store list JSON path. Env: STORES_JSON")
	flag.StringVar(&cfg.proxies, "proxies", envString("PROXIES_FILE", "proxies.txt"), "Proxy list (ip:port:user[:pass] per line); missing file disables proxies. Env: PROXIES_FILE")
	flag.StringVar(&cfg.out, "out", envString("OUT_CSV", ""), "Output CSV path (append-only); default results/product-<date>.csv. Env: OUT_CSV")

	flag.IntVar(&cfg.workers, "workers", envInt("WORKERS", defaultWorkers), "Concurrent workers, each with its own token and rate window. Env: WORKERS")
	flag.IntVar(&cfg.perMinute, "rpm", envInt("REQS_PER_MINUTE", defaultReqsPerMinute), "Per-worker requests per rolling minute. Env: REQS_PER_MINUTE")
	flag.IntVar(&cfg.globalLimit, "global-limit", envInt("GLOBAL_LIMIT", defaultGlobalLimit), "Global in-flight fetch cap across all workers. Env: GLOBAL_LIMIT")
	flag.IntVar(&cfg.retries, "retries", envInt("RETRIES", defaultRetries), "Retry budget for transient failures. Env: RETRIES")
	flag.DurationVar(&cfg.delay, "delay", envDuration("REQUEST_DELAY", defaultDelay), "Pacing delay before each request attempt. Env: REQUEST_DELAY")
	flag.DurationVar(&cfg.timeout, "timeout", envDuration("REQUEST_TIMEOUT", defaultTimeout), "Per-request timeout. Env: REQUEST_TIMEOUT")
	flag.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 0), "Aggregate requests/sec bound across workers. 0=unlimited. Env: REQUEST_RPS")

	flag.BoolVar(&cfg.progress, "progress", envBool("PROGRESS", false), "Render a progress bar. Env: PROGRESS")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "Emit JSON logs instead of text. Env: JSON_LOGS")

	flag.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")

	// Endpoint overrides are env-only; they exist for private forks and tests.
	cfg.authURL = envString("LOWES_AUTH_URL", defaultAuthURL)
	cfg.productURL = envString("LOWES_PRODUCT_URL", defaultProductURL)

	// DB config (optional)
	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN (enables DB sink). Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "DB max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", envBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")

	flag.Parse()

	if cfg.products == "" {
		fmt.Fprintln(os.Stderr, "--products / PRODUCTS_CSV is required")
		os.Exit(2)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	if cfg.perMinute <= 0 {
		cfg.perMinute = defaultReqsPerMinute
	}
	if cfg.globalLimit <= 0 {
		cfg.globalLimit = defaultGlobalLimit
	}
	if cfg.retries < 0 {
		cfg.retries = 0
	}
	if cfg.out == "" && cfg.pgDSN == "" {
		cfg.out = filepath.Join("results", "product-"+time.Now().Format("2006-01-02")+".csv")
	}

	return cfg
}

func newLogger(jsonLogs bool) *slog.Logger {
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// ───────── Summary ─────────

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func printSummary(total int, s runStats, dur time.Duration) {
	fmt.Printf(
		"combinations=%d processed=%d written=%d not_found=%d auth_failures=%d errors_fetch=%d errors_format=%d duration=%0.2f\n",
		total, s.Processed, s.Written, s.NotFound, s.AuthFailures, s.FetchErrors, s.FormatErrors, dur.Seconds(),
	)

	fmt.Println()
	bold.Println("Run summary")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Count")
	table.Append("Combinations", strconv.Itoa(total))
	table.Append("Processed", strconv.Itoa(s.Processed))
	table.Append(green.Sprint("Rows written"), strconv.Itoa(s.Written))
	table.Append("Not available", strconv.Itoa(s.NotFound))
	table.Append("Token refreshes", strconv.Itoa(s.TokenRefreshes))
	table.Append("Token expiries (401)", strconv.Itoa(s.AuthExpiries))
	table.Append(red.Sprint("Auth failures"), strconv.Itoa(s.AuthFailures))
	table.Append(red.Sprint("Fetch errors"), strconv.Itoa(s.FetchErrors))
	table.Append(red.Sprint("Format errors"), strconv.Itoa(s.FormatErrors))
	table.Append("Duration", dur.Round(time.Second).String())
	_ = table.Render()
}

// ───────── Main ─────────

func main() {
	cfg := parseFlags()
	log := newLogger(cfg.jsonLogs)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	products, err := loadProducts(cfg.products)
	if err != nil {
		log.Error("load products", "err", err)
		os.Exit(2)
	}
	stores, err := loadStores(cfg.stores)
	if err != nil {
		log.Error("load stores", "err", err)
		os.Exit(2)
	}
	proxies, err := loadProxies(cfg.proxies)
	if err != nil {
		log.Error("load proxies", "err", err)
		os.Exit(2)
	}

	validProducts := eligibleProducts(products)
	validStores := eligibleStores(stores)
	log.Info("filtered products", "total", len(products), "valid", len(validProducts), "invalid", len(products)-len(validProducts))
	log.Info("filtered stores", "total", len(stores), "valid", len(validStores), "invalid", len(stores)-len(validStores))

	total := len(validProducts) * len(validStores)
	if total == 0 {
		log.Info("nothing to do", "combinations", 0)
		return
	}
	log.Info("run plan",
		"combinations", total,
		"products", len(validProducts),
		"stores", len(validStores),
		"workers", cfg.workers,
		"proxies", len(proxies))

	var sink Sink
	if cfg.pgDSN != "" {
		sink, err = newPGSink(ctx, cfg.pgDSN, cfg.pgSchema, cfg.pgMaxConns, cfg.pgViaBouncer)
	} else {
		sink, err = newCSVSink(cfg.out)
	}
	if err != nil {
		log.Error("open sink", "err", err)
		os.Exit(2)
	}
	defer sink.Close()

	stats := &runStats{}
	metrics := NewMetrics()
	startMetrics(cfg.metricsAddr, metrics, stats)

	client := newLowesClient(lowesClientOptions{
		AuthURL:    cfg.authURL,
		ProductURL: cfg.productURL,
		Proxies:    proxies,
		Delay:      cfg.delay,
		Timeout:    cfg.timeout,
		Retries:    cfg.retries,
		Metrics:    metrics,
		Log:        log,
	})

	queue := buildQueue(validProducts, validStores)
	metrics.SetQueueDepth(total)

	var bar *progressbar.ProgressBar
	if cfg.progress && !cfg.jsonLogs {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Harvesting"),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	var limiter *rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), max(1, int(cfg.rps)))
	}

	pipe := &pipeline{
		client:    client,
		sink:      sink,
		queue:     queue,
		permit:    semaphore.NewWeighted(int64(cfg.globalLimit)),
		limiter:   limiter,
		stats:     stats,
		metrics:   metrics,
		bar:       bar,
		log:       log,
		workers:   cfg.workers,
		perMinute: cfg.perMinute,
	}

	start := time.Now()
	pipe.run(ctx)
	if bar != nil {
		fmt.Println()
	}

	printSummary(total, stats.snapshot(), time.Since(start))
	fmt.Printf("Processed %d product-store combinations.\n", total)
}
