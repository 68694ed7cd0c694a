package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"go-convsync/internal/assistant"
	"go-convsync/internal/broadcast"
	"go-convsync/internal/chat"
	"go-convsync/internal/config"
	"go-convsync/internal/db"
	"go-convsync/internal/localdb"
	"go-convsync/internal/logging"
	myMiddleware "go-convsync/internal/middleware"
	"go-convsync/internal/replica"
	"go-convsync/internal/user"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Prefix: "convsync"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid log settings: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ Server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("👋 Server stopped cleanly")
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	// 1. Postgres: accounts always, conversation records when selected.
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for participant accounts")
	}
	database, err := db.NewDatabase(ctx, cfg.Postgres.DSN, db.Options{
		MaxConns:        cfg.Postgres.MaxConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer database.Close()
	logger.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	logger.Info("✅ Database Schema Initialized")

	// 2. Redis, only when a backend uses it.
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("✅ Connected to Redis")
	}

	// 3. Participant-local storage.
	local, err := localdb.Open(cfg.LocalDB.Dir)
	if err != nil {
		return err
	}
	defer local.Close()
	logger.Info("✅ Local store opened", "dir", cfg.LocalDB.Dir)

	// 4. Sync backends.
	var durable replica.DurableStore
	switch cfg.Sync.Replica {
	case "postgres":
		pg := replica.NewPostgresStore(database.Pool, logger)
		defer pg.Close()
		durable = pg
	default:
		durable = replica.NewMemoryStore()
	}

	var transport broadcast.Transport
	switch cfg.Sync.Broadcast {
	case "redis":
		transport = broadcast.NewRedisTransport(redisClient, cfg.Redis.Prefix, logger)
	default:
		transport = broadcast.NewMemoryTransport()
	}

	var index chat.Index
	switch cfg.Sync.Index {
	case "redis":
		index = chat.NewRedisIndex(redisClient, cfg.Redis.Prefix)
	default:
		index = chat.NewMemoryIndex()
	}
	logger.Info("✅ Sync backends ready", "replica", cfg.Sync.Replica, "broadcast", cfg.Sync.Broadcast, "index", cfg.Sync.Index)

	// 5. Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chat.NewMetrics(registry)

	// 6. Engines and gateway.
	host := chat.NewHost(chat.HostConfig{
		Durable:   durable,
		Transport: transport,
		Index:     index,
		Horizons:  local,
		Snapshots: local,
		Metrics:   metrics,
		Logger:    logger,
		Retry: replica.RetryPolicy{
			BaseDelay: cfg.Sync.RetryBase,
			MaxDelay:  cfg.Sync.RetryMax,
			Window:    cfg.Sync.RetryWindow,
		},
		InboxSize:      cfg.Sync.InboxSize,
		TypingInterval: cfg.Sync.TypingInterval,
	})

	var replier chat.Replier
	if cfg.Assistant.Enabled {
		gen, err := assistant.NewOllamaGenerator(cfg.Assistant.Host, cfg.Assistant.Model, cfg.Assistant.Timeout)
		if err != nil {
			return err
		}
		replier = assistant.NewResponder(gen, assistant.Options{
			Name:    cfg.Assistant.Name,
			Timeout: cfg.Assistant.Timeout,
			Logger:  logger,
		})
		logger.Info("✅ Assistant enabled", "model", cfg.Assistant.Model)
	}

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Auth.JwtSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService)
	chatHandler := chat.NewHandler(host, replier, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 Server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		chatHandler.Wait()
		// Engines save their snapshots and drain pending durable writes.
		hostErr := host.Shutdown(shutdownCtx)
		return errors.Join(httpErr, hostErr)
	})
	return g.Wait()
}
