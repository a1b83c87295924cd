// Package main is the unified entry point for Parley. One binary runs the
// channel surfaces, the turn orchestrator, and the maintenance jobs with
// shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/agent/pool"
	"github.com/parley/parley/internal/agentmap"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/channels/webchat"
	"github.com/parley/parley/internal/channels/wecom"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/database"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/convstate"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/events/bus"
	"github.com/parley/parley/internal/faq"
	"github.com/parley/parley/internal/identity"
	"github.com/parley/parley/internal/orchestrator"
	"github.com/parley/parley/internal/prompts"
	"github.com/parley/parley/internal/reminder"
	"github.com/parley/parley/internal/router"
	"github.com/parley/parley/internal/session/store"
	"github.com/parley/parley/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Parley...", zap.String("mode", cfg.Mode))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	eventBus, busShutdown, err := events.Connect(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busShutdown()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Routing alerts are only published, never logged at their source;
	// surface them for operators watching the process log.
	_, err = eventBus.Subscribe(events.BuildRoutingWildcardSubject(), func(_ context.Context, evt *bus.Event) error {
		log.Warn("routing alert", zap.String("type", evt.Type), zap.Any("data", evt.Data))
		return nil
	})
	if err != nil {
		log.Warn("routing alert subscription failed", zap.Error(err))
	}

	// ============================================
	// SESSION STATE
	// ============================================
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("Invalid redis.url", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("Redis unreachable", zap.Error(err))
		}
		defer rdb.Close()
		log.Info("Connected to Redis", zap.String("addr", opt.Addr))
	}

	// Mediation slots are bound to the channel experts are reached on.
	slotChannel := mediationChannel(cfg)

	var sessions store.Store
	degraded := func() bool { return false }
	fallbackOps := func() int64 { return 0 }
	var agentMap agentmap.Store
	var conv convstate.Store
	if rdb != nil {
		failover := store.NewFailoverStore(store.NewRedisStore(rdb), log, eventBus)
		sessions = failover
		degraded = failover.Degraded
		fallbackOps = failover.FallbackOps
		agentMap = agentmap.NewRedisStore(rdb)
		conv = convstate.NewRedisStore(rdb, slotChannel)
	} else {
		log.Info("Using in-memory session state (no redis.url; single node, no durability)")
		sessions = store.NewMemoryStore()
		agentMap = agentmap.NewMemoryStore()
		conv = convstate.NewMemoryStore(slotChannel)
	}
	defer sessions.Close()
	defer agentMap.Close()
	defer conv.Close()

	// ============================================
	// IDENTITY DIRECTORY
	// ============================================
	var identSource identity.Source
	switch cfg.Identity.Source {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to identity database", zap.Error(err))
		}
		defer db.Close()
		identSource = identity.NewTableSource(db, cfg.Identity.Table)
		log.Info("Identity directory: postgres", zap.String("table", cfg.Identity.Table))
	case "yaml":
		identSource = identity.NewFileSource(cfg.Identity.Path)
		log.Info("Identity directory: file", zap.String("path", cfg.Identity.Path))
	default:
		identSource = identity.NewStaticSource()
		log.Info("Identity directory disabled; all senders are unknown non-experts")
	}
	ident := identity.NewService(identSource, cfg.Identity.RefreshIntervalDuration(), cfg.Identity.GraceWindowDuration(), log)
	if err := ident.Refresh(ctx); err != nil {
		log.Warn("Initial identity load failed, starting with an empty directory", zap.Error(err))
	} else {
		log.Info("Identity directory loaded", zap.Int("entries", ident.Count()))
	}

	// ============================================
	// AGENT RUNTIME
	// ============================================
	pack, err := prompts.Load(cfg.Prompts.Path)
	if err != nil {
		log.Fatal("Failed to load prompt pack", zap.Error(err))
	}

	baseOpts := agent.Options{
		Command:      cfg.Agent.Command,
		Args:         cfg.Agent.Args,
		Model:        cfg.Agent.Model,
		WorkDir:      cfg.KB.Root,
		AuthToken:    cfg.Agent.AuthToken,
		BaseURL:      cfg.Agent.BaseURL,
		AllowedTools: cfg.Agent.AllowedTools,
	}

	// Separate pools so long user turns cannot starve routing decisions.
	turnPool := pool.New(pool.Config{
		Name:    "turns",
		Size:    cfg.Pool.Size,
		MaxWait: cfg.Pool.MaxWaitDuration(),
	}, log)
	routerPool := pool.New(pool.Config{
		Name:    "router",
		Size:    cfg.Pool.RouterSize,
		MaxWait: cfg.Pool.MaxWaitDuration(),
	}, log)
	log.Info("Agent pools sized",
		zap.Int("turns", cfg.Pool.Size),
		zap.Int("router", cfg.Pool.RouterSize),
		zap.Duration("max_wait", cfg.Pool.MaxWaitDuration()))

	// ============================================
	// SESSION ROUTER
	// ============================================
	var engine router.Engine
	switch cfg.Router.Mode {
	case "rules":
		engine = router.NewRulesEngine()
		log.Info("Routing engine: rules")
	default:
		engine = router.NewLLMEngine(routerPool, baseOpts, pack.Router().System, log)
		log.Info("Routing engine: llm")
	}
	sessionRouter := router.New(engine, log)

	// ============================================
	// AUDIT JOURNAL + FAQ STORE
	// ============================================
	journal, err := audit.New(cfg.Audit.Path, cfg.Audit.BufferSize, func(rec audit.Record) {
		evt := bus.NewEvent(events.RoutingAlert, "audit", map[string]any{
			"user_id":    rec.UserID,
			"decision":   rec.Decision,
			"confidence": rec.Confidence,
			"reasoning":  rec.Reasoning,
		})
		if err := eventBus.Publish(context.Background(), events.RoutingAlert, evt); err != nil {
			log.Debug("routing alert publish failed", zap.Error(err))
		}
	}, log)
	if err != nil {
		log.Fatal("Failed to open audit journal", zap.Error(err))
	}
	log.Info("Audit journal open", zap.String("path", cfg.Audit.Path))

	// The digest lands inside the KB root so agent turns can consult it.
	faqs, err := faq.New(cfg.FAQ.DBPath, cfg.FAQ.EntryCap, filepath.Join(cfg.KB.Root, "faq.md"), log)
	if err != nil {
		log.Fatal("Failed to open FAQ store", zap.Error(err))
	}

	// ============================================
	// TURN ORCHESTRATOR
	// ============================================
	// The registry dispatches into the orchestrator and the orchestrator
	// pushes through the registry; the proxy breaks the construction cycle.
	sender := &registrySender{}
	orc := orchestrator.New(orchestrator.Config{Agent: baseOpts}, orchestrator.Deps{
		Sessions: sessions,
		Conv:     conv,
		AgentMap: agentMap,
		Identity: ident,
		Router:   sessionRouter,
		Turns:    turnPool,
		Journal:  journal,
		FAQs:     faqs,
		Prompts:  pack,
		Sender:   sender,
		Bus:      eventBus,
	}, log)
	log.Info("Orchestrator initialized")

	// ============================================
	// CHANNEL SURFACES
	// ============================================
	registry := channels.NewRegistry(orc, log)
	sender.registry = registry

	wecomMode, webchatMode := channelModes(cfg)

	wecomAdapter, err := wecom.New(cfg.Channels.WeCom, registry, log)
	if err != nil {
		log.Fatal("Failed to build wecom adapter", zap.Error(err))
	}
	if err := registry.Register(wecomAdapter, wecomMode); err != nil {
		log.Fatal("Failed to register wecom channel", zap.Error(err))
	}

	webchatAdapter := webchat.New(cfg.Channels.WebChat, registry, log)
	if err := registry.Register(webchatAdapter, webchatMode); err != nil {
		log.Fatal("Failed to register webchat channel", zap.Error(err))
	}

	if len(registry.Channels()) == 0 {
		log.Fatal("No channel adapters registered; check mode and channel configuration")
	}
	log.Info("Channels registered", zap.Strings("channels", registry.Channels()))

	// ============================================
	// MAINTENANCE JOBS
	// ============================================
	remCfg := reminder.DefaultConfig()
	remCfg.ExpertScanSchedule = cfg.Expert.ReminderSchedule
	remCfg.RemindAfter = cfg.Expert.RemindAfterDuration()
	sched := reminder.New(remCfg, conv, sessions, ident, registry, eventBus, log)
	if err := sched.Start(); err != nil {
		log.Fatal("Failed to start reminder scheduler", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpRouter := gin.New()
	httpRouter.Use(gin.Recovery())
	httpRouter.Use(corsMiddleware())
	httpRouter.Use(otelMiddleware())

	httpRouter.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		if degraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":             status,
			"service":            "parley",
			"mode":               cfg.Mode,
			"store_degraded":     degraded(),
			"store_fallback_ops": fallbackOps(),
			"channels":           registry.Channels(),
			"identity_entries":   ident.Count(),
			"pools":              []pool.Stats{turnPool.Stats(), routerPool.Stats()},
		})
	})

	api := httpRouter.Group("/api/v1")
	api.GET("/pool/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"pools": []pool.Stats{turnPool.Stats(), routerPool.Stats()},
		})
	})
	api.GET("/sessions/:id", func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s)
	})
	api.GET("/sessions/:id/history", func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		id := c.Param("id")
		if _, err := sessions.Get(c.Request.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		msgs, err := sessions.ReadHistory(c.Request.Context(), id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "count": len(msgs), "messages": msgs})
	})
	api.GET("/audit/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, journal.Stats())
	})
	api.GET("/faq", func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries, err := faqs.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		count, err := faqs.Count(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count, "entries": entries})
	})

	// Each adapter owns its inbound HTTP surface under /<channel>/.
	for _, name := range registry.Channels() {
		a, err := registry.Get(name)
		if err != nil {
			continue
		}
		a.RegisterRoutes(httpRouter.Group("/" + name))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.Strings("channels", registry.Channels()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Parley...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("Reminder scheduler stop error", zap.Error(err))
	}
	if err := orc.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator drain error", zap.Error(err))
	}
	webchatAdapter.Hub().CloseAll()
	if err := journal.Close(); err != nil {
		log.Error("Audit journal close error", zap.Error(err))
	}
	if err := faqs.Close(); err != nil {
		log.Error("FAQ store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Parley stopped")
}

// registrySender defers Push to the channel registry, which cannot exist
// when the orchestrator is constructed: the registry needs the orchestrator
// as its handler. The field is set before any traffic or job can push.
type registrySender struct {
	registry *channels.Registry
}

func (s *registrySender) Push(ctx context.Context, channel, userID, content string, kind channels.Kind) error {
	if s.registry == nil {
		return fmt.Errorf("no channel registry attached")
	}
	return s.registry.Push(ctx, channel, userID, content, kind)
}

// channelModes resolves the run mode into per-channel registration modes.
// Standalone serves only the web channel; naming a channel serves exactly
// that channel; auto defers to each channel's configured mode.
func channelModes(cfg *config.Config) (wecomMode, webchatMode string) {
	switch cfg.Mode {
	case config.ModeStandalone, webchat.ChannelName:
		return config.ChannelDisabled, config.ChannelEnabled
	case wecom.ChannelName:
		return config.ChannelEnabled, config.ChannelDisabled
	default:
		return cfg.Channels.WeCom.Mode, cfg.Channels.WebChat.Mode
	}
}

// mediationChannel picks the channel expert-mediation slots are bound to:
// the enterprise channel when it will register, the web channel otherwise.
func mediationChannel(cfg *config.Config) string {
	wecomMode, _ := channelModes(cfg)
	if wecomMode != config.ChannelDisabled && wecom.Configured(cfg.Channels.WeCom) {
		return wecom.ChannelName
	}
	return webchat.ChannelName
}

// otelMiddleware wraps each request in an OTel span. No-op without an
// exporter endpoint.
func otelMiddleware() gin.HandlerFunc {
	tracer := tracing.Tracer("http")

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+path)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// corsMiddleware opens the HTTP surface to browser clients; the web-chat
// UI is served from a different origin in development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
