package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/api"
	"github.com/unifiedai/agentmesh/internal/collab"
	"github.com/unifiedai/agentmesh/internal/config"
	"github.com/unifiedai/agentmesh/internal/coordinator"
	"github.com/unifiedai/agentmesh/internal/discovery"
	"github.com/unifiedai/agentmesh/internal/fallback"
	"github.com/unifiedai/agentmesh/internal/hsp"
	"github.com/unifiedai/agentmesh/internal/llm"
	pgstore "github.com/unifiedai/agentmesh/internal/store"
	"github.com/unifiedai/agentmesh/internal/supervisor"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting AgentMesh...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agentmesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath), zap.String("ai_id", cfg.AIID))

	ctx := context.Background()

	// Initialize fallback transports
	var fb *fallback.Manager
	if cfg.Fallback.Enabled {
		fb = newFallbackManager(cfg, logger)
		if err := fb.Initialize(ctx); err != nil {
			logger.Warn("fallback unavailable, running without it", zap.Error(err))
			fb = nil
		} else {
			fb.Start()
		}
	}

	// Connect to the message broker
	conn, err := hsp.NewConnector(cfg.AIID, cfg.Broker.RedisURL, logger)
	if err != nil {
		logger.Fatal("invalid broker url", zap.Error(err))
	}
	if fb != nil {
		conn.SetFallback(fb)
	}
	if err := conn.Connect(ctx); err != nil {
		logger.Warn("broker unavailable, relying on fallback transports", zap.Error(err))
	}

	// Capability registry with trust feedback
	trust := discovery.NewTrustStore()
	registry := discovery.NewRegistry(trust, logger)
	registry.Start()

	// Optional PostgreSQL task history
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Collaboration manager
	collabOpts := []collab.Option{collab.WithTrustRecorder(trust)}
	if store != nil {
		collabOpts = append(collabOpts, collab.WithTaskPersister(store))
	}
	mgr := collab.NewManager(conn, registry, logger, collabOpts...)

	// Route incoming mesh traffic
	conn.RegisterOnTaskResultCallback(mgr.HandleTaskResult)
	conn.RegisterOnCapabilityAdvertisementCallback(func(adv *hsp.CapabilityAdvertisementPayload, sender string, _ *hsp.Envelope) {
		registry.ProcessCapabilityAdvertisement(adv, sender)
	})
	if conn.IsConnected() {
		if err := conn.Subscribe(ctx, hsp.TopicTaskResultsAll(cfg.AIID)); err != nil {
			logger.Warn("result subscription failed", zap.Error(err))
		}
		if err := conn.Subscribe(ctx, hsp.TopicCapabilitiesAll()); err != nil {
			logger.Warn("capability subscription failed", zap.Error(err))
		}
	}

	// Agent process supervisor
	var sup *supervisor.Supervisor
	if cfg.Agents.Dir != "" {
		sup = supervisor.New(cfg.Agents.Dir, registry, logger)
	}

	// Project coordinator
	var coord *coordinator.Coordinator
	if cfg.LLM.Endpoint != "" || cfg.LLM.APIKey != "" {
		planner := llm.NewClient(llm.Config{
			Endpoint: cfg.LLM.Endpoint,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
		}, logger)
		var launcher coordinator.AgentLauncher
		if sup != nil {
			launcher = sup
		}
		coord = coordinator.New(cfg.AIID, planner, registry, mgr, launcher, logger)
	} else {
		logger.Warn("no LLM configured, project coordination disabled")
	}

	// Build HTTP handler
	var agentCtl api.AgentControl
	if sup != nil {
		agentCtl = sup
	}
	var runner api.ProjectRunner
	if coord != nil {
		runner = coord
	}
	handler := api.NewHandler(mgr, registry, runner, fb, agentCtl, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("AgentMesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down AgentMesh...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	if sup != nil {
		sup.ShutdownAll()
	}
	registry.Stop()
	if fb != nil {
		fb.Stop(shutdownCtx)
	}
	conn.Disconnect()
	if store != nil {
		store.Close()
	}
}

// newFallbackManager assembles the degraded-transport stack. HTTP can
// reach remote peers and is preferred; the in-process queue only
// delivers within this process and is the last resort.
func newFallbackManager(cfg *config.Config, logger *zap.Logger) *fallback.Manager {
	fb := fallback.NewManager(logger)
	fb.AddProtocol(fallback.NewInProcProtocol(cfg.Fallback.QueueSize, logger), 1)
	if cfg.Fallback.MailboxDir != "" {
		fb.AddProtocol(fallback.NewFileProtocol(cfg.Fallback.MailboxDir, cfg.AIID, logger), 2)
	}
	if cfg.Fallback.HTTPListen != "" {
		fb.AddProtocol(fallback.NewHTTPProtocol(cfg.Fallback.HTTPListen, cfg.Fallback.Peers, logger), 3)
	}
	return fb
}
