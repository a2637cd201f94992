package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"github.com/example/drivecreds/internal/apikey"
	"github.com/example/drivecreds/internal/broker"
	cfg "github.com/example/drivecreds/internal/config"
	"github.com/example/drivecreds/internal/store"
)

type App struct {
	Broker *broker.Broker
	Store  store.Adapter
	Keys   *apikey.Verifier
	Logger *zap.Logger

	// Scopes are requested when a caller names none.
	Scopes             []string
	CallbackSuccessURL string
	AllowedOrigins     []string
	RateLimitPerMinute int

	rateLimiter *RateLimiter
	metrics     *httpMetrics
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// Router wires the HTTP surface. metricsHandler may be nil.
func (a *App) Router(callbackPath string, metricsHandler http.Handler) *mux.Router {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	if a.metrics != nil {
		r.Use(a.metrics.Middleware)
	}
	r.Use(a.CORS)

	// no API key required
	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)
	r.HandleFunc(callbackPath, a.HandleCallback).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.APIKeyAuth)
	v1.Use(a.RateLimit)

	v1.HandleFunc("/connections/{userId}", a.HandleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/connections/{userId}", a.HandleDisconnect).Methods(http.MethodDelete)
	v1.HandleFunc("/connections/{userId}/authorize", a.HandleAuthorize).Methods(http.MethodPost)
	v1.HandleFunc("/connections/{userId}/token", a.HandleToken).Methods(http.MethodPost)

	// preflight requests never match a method above; CORS answers them
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func newLogger(c *cfg.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if !c.IsProduction() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// openStores selects the record and state repositories. The returned redis
// client is nil unless one of them needs it.
func openStores(c *cfg.Config, logger *zap.Logger) (store.Adapter, broker.StateRepository, *redis.Client, error) {
	var rdb *redis.Client
	if c.StoreAdapter == "redis" || c.StateAdapter == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	}

	var records store.Adapter
	switch c.StoreAdapter {
	case "memory":
		logger.Warn("using in-memory token store; connections are lost on restart")
		records = store.NewMemory()
	case "file":
		f, err := store.OpenFile(c.TokenFile, logger)
		if err != nil {
			return nil, nil, rdb, fmt.Errorf("token file: %w", err)
		}
		records = f
	case "sqlite":
		s, err := store.OpenSQLite(c.SQLiteFile)
		if err != nil {
			return nil, nil, rdb, fmt.Errorf("sqlite init: %w", err)
		}
		records = s
	case "postgres":
		logger.Info("applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN, logger); err != nil {
			return nil, nil, rdb, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.OpenPostgres(c.PostgresDSN)
		if err != nil {
			return nil, nil, rdb, fmt.Errorf("postgres init: %w", err)
		}
		records = p
	case "redis":
		records = store.NewRedisRecords(rdb, c.RedisPrefix)
	default:
		return nil, nil, rdb, fmt.Errorf("unsupported STORE_ADAPTER: %s", c.StoreAdapter)
	}

	var states broker.StateRepository
	if c.StateAdapter == "redis" {
		states = store.NewRedisStates(rdb, c.RedisPrefix)
	}
	return records, states, rdb, nil
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(c)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(c, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(c *cfg.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := apikey.NewVerifier(c.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("API keys: %w", err)
	}
	if !keys.Enabled() {
		logger.Warn("no API_KEY_HASHES configured; the API is unauthenticated")
	}

	records, states, rdb, err := openStores(c, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	if err != nil {
		return err
	}
	defer records.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := broker.NewFromSecrets(ctx, c.Secrets(), broker.Repositories{States: states, Records: records},
		broker.WithLogger(logger),
		broker.WithMetrics(broker.NewMetrics(reg)),
		broker.WithTimeout(c.TokenEndpointTimeout),
		broker.WithSafetyMargin(c.TokenSafetyMargin),
		broker.WithStateTTL(c.StateTTL),
		broker.WithEndpoint(oauth2.Endpoint{AuthURL: c.GoogleAuthURL, TokenURL: c.GoogleTokenURL}),
		broker.WithRevokeURL(c.GoogleRevokeURL),
	)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	go b.States().Run(ctx, broker.DefaultSweepInterval)

	app := &App{
		Broker:             b,
		Store:              records,
		Keys:               keys,
		Logger:             logger,
		Scopes:             c.GoogleScopes,
		CallbackSuccessURL: c.CallbackSuccessURL,
		AllowedOrigins:     c.AllowedOrigins,
		RateLimitPerMinute: c.RateLimitPerMinute,
		metrics:            newHTTPMetrics(reg),
	}
	handler := app.Router(c.CallbackPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: c.TokenEndpointTimeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("port", c.Port),
			zap.String("store", c.StoreAdapter),
			zap.String("states", c.StateAdapter))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("server exited properly")
	return nil
}
