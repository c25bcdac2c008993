package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nuetzliches/schlange/internal/admin"
	"github.com/nuetzliches/schlange/internal/compute"
	"github.com/nuetzliches/schlange/internal/deliver"
	"github.com/nuetzliches/schlange/internal/queue"
)

const (
	envAdminToken      = "SCHLANGE_ADMIN_TOKEN"
	envHandleInterval  = "SCHLANGE_HANDLE_INTERVAL"
	envRespondInterval = "SCHLANGE_RESPOND_INTERVAL"
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbDriver := fs.String("db-driver", "sqlite", "database/sql driver (pgx|sqlite)")
	dsn := fs.String("dsn", "./.data/schlange.db", "database DSN (pgx) or sqlite file path")
	table := fs.String("table", "schlange_requests", "fully-qualified queue table name")
	dialectName := fs.String("dialect", "", "SQL dialect (postgres|oracle|mysql|sqlserver|db2|sqlite); defaults to the driver's")
	deleteAfterRespond := fs.Bool("delete-after-respond", false, "delete rows after successful delivery instead of marking them notified")
	handleLimit := fs.Int("handle-limit", 16, "max rows claimed per handle pass")
	respondLimit := fs.Int("respond-limit", 16, "max rows claimed per respond pass")
	handleInterval := fs.Duration("handle-interval", time.Second, "pause between handle passes")
	respondInterval := fs.Duration("respond-interval", time.Second, "pause between respond passes")
	handlerURL := fs.String("handler-url", "", "compute endpoint receiving request payloads")
	sinkURL := fs.String("sink-url", "", "sink endpoint receiving response payloads")
	sinkSecretFile := fs.String("sink-secret-file", "", "file holding the HMAC secret for sink request signing")
	adminAddr := fs.String("admin-addr", "127.0.0.1:8725", "admin/metrics listen address (empty disables)")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch the --dotenv file and apply interval changes live")
	tracingCollector := fs.String("tracing-collector", "", "OTLP/HTTP trace collector endpoint (empty disables tracing)")
	tracingInsecure := fs.Bool("tracing-insecure", false, "allow plain HTTP to the trace collector")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			logger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	if strings.TrimSpace(*handlerURL) == "" || strings.TrimSpace(*sinkURL) == "" {
		logger.Error("config_invalid", slog.String("error", "--handler-url and --sink-url are required"))
		return 2
	}

	dialect, err := resolveDialect(*dialectName, *dbDriver)
	if err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 2
	}

	db, err := openDB(*dbDriver, *dsn)
	if err != nil {
		logger.Error("db_open_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = db.Close() }()

	rootCtx := context.Background()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingEnabled := strings.TrimSpace(*tracingCollector) != ""
	// The engine is attached after construction so depth gauges can scrape it.
	metrics := newRuntimeMetrics(nil)
	var shutdownTracing func(context.Context) error
	if tracingEnabled {
		shutdownTracing, err = initTracing(rootCtx, strings.TrimSpace(*tracingCollector), *tracingInsecure, func(err error) {
			metrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			metrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
	}
	metrics.setTracingEnabled(tracingEnabled)

	client := tracingHTTPClient(tracingEnabled)

	handler, err := compute.NewHTTPHandler(client, *handlerURL)
	if err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 2
	}
	responder, err := deliver.NewHTTPResponder(client, *sinkURL)
	if err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 2
	}
	if path := strings.TrimSpace(*sinkSecretFile); path != "" {
		secret, err := os.ReadFile(path)
		if err != nil {
			logger.Error("sink_secret_failed", slog.Any("err", err))
			return 1
		}
		responder.Secret = []byte(strings.TrimSpace(string(secret)))
	}

	engine, err := queue.New(db, *table, dialect, handler.Handle, responder.Respond,
		queue.WithDeleteAfterRespond(*deleteAfterRespond),
		queue.WithHandleLimit(*handleLimit),
		queue.WithRespondLimit(*respondLimit),
		queue.WithLogger(logger),
	)
	if err != nil {
		logger.Error("engine_init_failed", slog.Any("err", err))
		return 2
	}
	metrics.engine = engine

	intervals := newPollIntervals(*handleInterval, *respondInterval)
	intervals.applyEnv(logger)

	if *watch && strings.TrimSpace(*dotenvPath) != "" {
		go watchFile(ctx, strings.TrimSpace(*dotenvPath), logger, func() {
			if err := loadDotenvOverriding(strings.TrimSpace(*dotenvPath)); err != nil {
				logger.Error("dotenv_reload_failed", slog.Any("err", err))
				return
			}
			intervals.applyEnv(logger)
			logger.Info("intervals_reloaded",
				slog.Duration("handle", intervals.handle()),
				slog.Duration("respond", intervals.respond()),
			)
		})
	}

	var adminSrv *http.Server
	if strings.TrimSpace(*adminAddr) != "" {
		adminSrv, err = startAdminServer(*adminAddr, engine, metrics, tracingEnabled, logger)
		if err != nil {
			logger.Error("admin_listen_failed", slog.Any("err", err))
			return 1
		}
	}

	logger.Info("schlange_started",
		slog.String("driver", *dbDriver),
		slog.String("dialect", dialect.String()),
		slog.String("table", *table),
		slog.Int("handle_limit", *handleLimit),
		slog.Int("respond_limit", *respondLimit),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pollLoop(ctx, intervals.handle, func(ctx context.Context) {
			n, err := engine.Handle(ctx)
			metrics.observeHandlePass(n, err)
			if err != nil {
				logger.Error("handle_pass_failed", slog.Any("err", err))
			}
		})
	}()
	go func() {
		defer wg.Done()
		pollLoop(ctx, intervals.respond, func(ctx context.Context) {
			n, err := engine.Respond(ctx)
			metrics.observeRespondPass(n, err)
			if err != nil {
				logger.Error("respond_pass_failed", slog.Any("err", err))
			}
		})
	}()

	<-ctx.Done()
	logger.Info("shutdown_started")

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin_shutdown_failed", slog.Any("err", err))
		}
		cancel()
	}
	wg.Wait()
	if shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing_shutdown_failed", slog.Any("err", err))
		}
		cancel()
	}

	logger.Info("shutdown_complete")
	return 0
}

func resolveDialect(name, driver string) (queue.Dialect, error) {
	if strings.TrimSpace(name) != "" {
		return queue.ParseDialect(name)
	}
	switch strings.TrimSpace(driver) {
	case "pgx":
		return queue.DialectPostgres, nil
	case "sqlite":
		return queue.DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unknown --db-driver %q (use: pgx|sqlite)", driver)
	}
}

func openDB(driver, dsn string) (*sql.DB, error) {
	driver = strings.TrimSpace(driver)
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty --dsn")
	}
	if driver != "pgx" && driver != "sqlite" {
		return nil, fmt.Errorf("unknown --db-driver %q (use: pgx|sqlite)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch driver {
	case "pgx":
		db.SetMaxOpenConns(8)
	case "sqlite":
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// pollIntervals holds the pass cadence; the watch goroutine updates it
// without restarting the loops.
type pollIntervals struct {
	handleNanos  atomic.Int64
	respondNanos atomic.Int64
}

func newPollIntervals(handle, respond time.Duration) *pollIntervals {
	p := &pollIntervals{}
	p.set(handle, respond)
	return p
}

func (p *pollIntervals) set(handle, respond time.Duration) {
	if handle > 0 {
		p.handleNanos.Store(int64(handle))
	}
	if respond > 0 {
		p.respondNanos.Store(int64(respond))
	}
}

func (p *pollIntervals) handle() time.Duration  { return time.Duration(p.handleNanos.Load()) }
func (p *pollIntervals) respond() time.Duration { return time.Duration(p.respondNanos.Load()) }

func (p *pollIntervals) applyEnv(logger *slog.Logger) {
	for _, env := range []struct {
		key   string
		store *atomic.Int64
	}{
		{envHandleInterval, &p.handleNanos},
		{envRespondInterval, &p.respondNanos},
	} {
		raw := strings.TrimSpace(os.Getenv(env.key))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			logger.Warn("interval_env_invalid", slog.String("key", env.key), slog.String("value", raw))
			continue
		}
		env.store.Store(int64(d))
	}
}

func pollLoop(ctx context.Context, interval func() time.Duration, pass func(context.Context)) {
	for {
		pass(ctx)

		d := interval()
		if d <= 0 {
			d = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func startAdminServer(addr string, engine admin.Queue, metrics *runtimeMetrics, tracingEnabled bool, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	adminAPI := admin.NewServer(engine)
	if token := strings.TrimSpace(os.Getenv(envAdminToken)); token != "" {
		adminAPI.Authorize = admin.BearerTokenAuthorizer([][]byte{[]byte(token)})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", newMetricsHandler(version, time.Now(), metrics))
	mux.Handle("/v1/", adminAPI)

	srv := &http.Server{
		Handler:           wrapTracingHandler(tracingEnabled, "schlange.admin", withAccessLog(logger, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("admin_server_error", slog.Any("err", err))
	}()

	logger.Info("admin_listening", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

func withAccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// loadDotenvOverriding re-applies a .env file, letting file values replace
// the process environment. Used only by the reload path so interval edits
// take effect.
func loadDotenvOverriding(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	vars, err := parseDotenv(data)
	if err != nil {
		return err
	}
	for key, val := range vars {
		if err := os.Setenv(key, val); err != nil {
			return err
		}
	}
	return nil
}
