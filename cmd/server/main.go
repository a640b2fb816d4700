package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/backend"
	"github.com/openclaw/rtcore-go/internal/call"
	"github.com/openclaw/rtcore-go/internal/cluster"
	"github.com/openclaw/rtcore-go/internal/config"
	"github.com/openclaw/rtcore-go/internal/database"
	"github.com/openclaw/rtcore-go/internal/handler"
	"github.com/openclaw/rtcore-go/internal/jobs"
	"github.com/openclaw/rtcore-go/internal/middleware"
	"github.com/openclaw/rtcore-go/internal/presence"
	"github.com/openclaw/rtcore-go/internal/push"
	"github.com/openclaw/rtcore-go/internal/redis"
	"github.com/openclaw/rtcore-go/internal/registry"
	"github.com/openclaw/rtcore-go/internal/repository"
	"github.com/openclaw/rtcore-go/internal/router"
	"github.com/openclaw/rtcore-go/internal/service"
	"github.com/openclaw/rtcore-go/internal/session"
	"github.com/openclaw/rtcore-go/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)
	log.Logger = log.With().Str("nodeId", cfg.NodeID).Logger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var (
		db          *database.DB
		pendingRepo repository.PendingMessageRepository
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare database schema")
		}
		cancel()
		log.Info().Msg("database connected")

		pendingRepo = repository.NewPendingMessageRepository(db)
	default:
		pendingRepo = repository.NewMemoryPendingMessageRepository()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	var backendClient backend.Client
	if cfg.BackendURL != "" {
		backendClient = backend.NewHTTPClient(cfg.BackendURL, config.BackendCallTimeout)
	} else {
		log.Warn().Msg("BACKEND_URL is empty: using static backend, group conversations have no members")
		backendClient = backend.NewStatic()
	}

	var (
		notifier     push.Notifier = push.LogNotifier{}
		limiter      middleware.Limiter
		presenceOpts []presence.Option
		huddleClaims call.Claims = call.NewLocalClaims()
	)
	if redisClient != nil {
		notifier = push.NewRedisNotifier(redisClient)
		limiter = middleware.NewRedisRateLimiter(redisClient)
		huddleClaims = call.NewRedisClaims(redisClient, config.HuddleClaimTTL)
		presenceOpts = append(presenceOpts,
			presence.WithReplicator(
				presence.NewRedisReplicator(redisClient, cfg.NodeID, config.PresenceStaleAfter),
				cfg.PresenceFlush(),
			),
			presence.WithRefresh(config.PresenceRefreshInterval),
		)
	} else {
		limiter = middleware.NewRateLimiter()
	}

	pushDispatcher := push.NewDispatcher(notifier, config.PushNotifyTimeout)
	defer pushDispatcher.Wait()

	presenceStore := presence.NewStore(presenceOpts...)
	presenceStore.Start()
	defer presenceStore.Stop()

	sessionRegistry := registry.New()
	queueService := service.NewQueueService(pendingRepo, cfg.PendingTTL(), cfg.QueueFetchLimit)
	messageRouter := router.New(sessionRegistry, queueService, backendClient, pushDispatcher)

	var clusterRouter *cluster.Router
	if cfg.NatsURL != "" {
		transport, err := cluster.NewNATSTransport(cfg.NatsURL, "rtcore-"+cfg.NodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer transport.Close()

		clusterRouter = cluster.NewRouter(cfg.NodeID, transport, sessionRegistry, messageRouter, cluster.Options{
			HeartbeatInterval: cfg.ClusterHeartbeat(),
			NodeTimeout:       cfg.ClusterNodeTimeout(),
			LocateTimeout:     cfg.LocateTimeout(),
			CallTimeout:       config.ClusterCallTimeout,
		})
		if err := clusterRouter.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to start cluster router")
		}
		messageRouter.SetForwarder(clusterRouter)
		log.Info().Msg("cluster routing enabled")
	}

	callManager := call.NewManager(messageRouter, pushDispatcher, backendClient, call.Options{
		NodeID:         cfg.NodeID,
		RingTimeout:    cfg.RingTimeout(),
		MaxDuration:    cfg.MaxCallDuration(),
		EndedRetention: config.EndedCallRetention,
		Claims:         huddleClaims,
	})
	if clusterRouter != nil {
		callManager.SetRemote(clusterRouter)
		clusterRouter.SetCallHost(callManager)
	}

	sessionManager := session.NewManager(
		sessionRegistry, presenceStore, queueService, messageRouter, callManager, pushDispatcher,
		session.Options{
			HeartbeatInterval: cfg.HeartbeatInterval(),
			HeartbeatGrace:    cfg.HeartbeatGrace(),
			AckTimeout:        cfg.AckTimeout(),
			MailboxSize:       config.SessionMailboxSize,
			MaxRedelivery:     config.SessionMaxRedelivery,
		},
	)

	identityMiddleware := middleware.NewIdentityMiddleware(cfg.GatewaySecret)
	connectRateLimit := middleware.NewConnectRateLimit(limiter, cfg.ConnectLimitPerMinute)

	var peers handler.PeerLister
	if clusterRouter != nil {
		peers = clusterRouter
	}
	var pinger handler.Pinger
	if db != nil {
		pinger = db
	}

	healthHandler := handler.NewHealthHandler(cfg.NodeID, sessionManager, callManager, peers, pinger)
	wsHandler := handler.NewWSHandler(ws.NewUpgrader(ws.Options{AllowedOrigins: cfg.AllowedOrigins}), sessionManager)
	presenceHandler := handler.NewPresenceHandler(presenceStore)
	sessionHandler := handler.NewSessionHandler(sessionManager)
	callHandler := handler.NewCallHandler(callManager)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Sockets outlive any request timeout.
	r.Route("/ws", func(r chi.Router) {
		r.Use(identityMiddleware.Handler)
		r.Use(connectRateLimit.Handler)
		r.Get("/", wsHandler.ServeHTTP)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(identityMiddleware.Handler)
		r.Mount("/presence", presenceHandler.Routes())
		r.Mount("/sessions", sessionHandler.Routes())
		r.Mount("/", callHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(pendingRepo, presenceStore, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")
	healthHandler.Drain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Hijacked sockets are not covered by server.Shutdown.
	if err := sessionManager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions forced to stop")
	}
	callManager.Shutdown(shutdownCtx)

	if clusterRouter != nil {
		if err := clusterRouter.Stop(); err != nil {
			log.Error().Err(err).Msg("cluster router stop")
		}
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
