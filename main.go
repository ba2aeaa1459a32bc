package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/scoring"
	"github.com/modelmux/modelmux/internal/session"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.IdleConnections)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancel()
	defer redisClient.Close()

	cat, err := catalog.Load(cfg.ModelsPath, logger)
	if err != nil {
		logger.Fatal("Failed to load model roster", zap.Error(err))
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		if err := cat.Watch(cfg.ModelsPath, stop); err != nil {
			logger.Warn("Roster watcher exited", zap.Error(err))
		}
	}()

	registry := buildRegistry(cfg, cat, logger)

	statsStore, err := stats.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stats store", zap.Error(err))
	}
	creditLedger, err := ledger.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize credit ledger", zap.Error(err))
	}

	converter := pricing.NewConverter(cfg.Pricing.CreditsPerUSD)
	engine := scoring.NewEngine(cat, statsStore, converter)
	limiter := ratelimit.NewLimiter(func(modelID string) int {
		if m, ok := cat.Get(modelID); ok {
			return m.PerMinuteRateLimit
		}
		return 0
	}, logger)

	rt := router.New(router.Deps{
		Classifier: classify.New(),
		Catalog:    cat,
		Engine:     engine,
		Limiter:    limiter,
		Cache:      cache.New(redisClient, logger),
		Ledger:     creditLedger,
		Stats:      statsStore,
		Registry:   registry,
		Breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger),
		Sessions:   session.NewRedisStore(redisClient, logger),
		Converter:  converter,
		Logger:     logger,
	}, router.Options{
		MaxAttempts:           cfg.Router.MaxAttempts,
		WaitOnRateLimit:       cfg.Router.WaitOnRateLimit,
		UserRequestsPerMinute: cfg.Router.UserRequestsPerMinute,
		SessionContextTurns:   cfg.Router.SessionContextTurns,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route", routeHandler(rt, logger))
	mux.HandleFunc("POST /v1/credits/add", creditsHandler(creditLedger, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Metrics.Port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", zap.Int("port", cfg.Metrics.Port))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("Router listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// buildRegistry constructs one adapter per configured provider and
// disables roster models whose provider has no usable adapter, so the
// scorer never ranks a model that cannot execute.
func buildRegistry(cfg *config.Config, cat *catalog.Catalog, logger *zap.Logger) *providers.Registry {
	var adapters []providers.Adapter
	for tag, pc := range cfg.Providers {
		switch tag {
		case "anthropic":
			adapters = append(adapters, providers.NewAnthropicAdapter(providers.AnthropicConfig{
				Endpoint: pc.Endpoint,
				APIKey:   pc.APIKey(),
			}, logger))
		default:
			// openai and any OpenAI-compatible endpoint
			adapters = append(adapters, providers.NewOpenAIAdapter(providers.OpenAIConfig{
				Tag:      tag,
				Endpoint: pc.Endpoint,
				APIKey:   pc.APIKey(),
			}, logger))
		}
	}
	registry := providers.NewRegistry(adapters...)

	for _, m := range cat.List() {
		if _, ok := registry.Get(m.Provider); !ok {
			logger.Warn("Disabling model: no adapter for provider",
				zap.String("model", m.ID),
				zap.String("provider", m.Provider))
			cat.SetAvailable(m.ID, false)
		}
	}
	return registry
}

func routeHandler(rt *router.Router, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req router.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := rt.Route(r.Context(), req)
		if err != nil {
			var exhausted *router.ExhaustedError
			switch {
			case errors.Is(err, router.ErrEmptyPrompt):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, router.ErrInsufficientCredits):
				writeError(w, http.StatusPaymentRequired, err.Error())
			case errors.Is(err, router.ErrUserThrottled):
				writeError(w, http.StatusTooManyRequests, err.Error())
			case errors.As(err, &exhausted):
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error":         "all candidates exhausted",
					"failed_models": exhausted.Failures,
				})
			default:
				logger.Error("Route failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

// creditsHandler is the webhook-driven top-up path from the payment
// subsystem; it is the only inbound mutation not gated by the router.
func creditsHandler(l *ledger.Store, logger *zap.Logger) http.HandlerFunc {
	type topUp struct {
		UserID    string `json:"user_id"`
		Amount    int    `json:"amount"`
		Reason    string `json:"reason,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req topUp
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" || req.Amount <= 0 {
			writeError(w, http.StatusBadRequest, "user_id and positive amount required")
			return
		}
		balance, err := l.Add(r.Context(), req.UserID, req.Amount, ledger.Meta{
			RequestID: req.RequestID,
			Reason:    req.Reason,
		})
		if err != nil {
			logger.Error("Credit top-up failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"balance": balance})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
