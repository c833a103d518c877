// agentworker runs one specialist agent process: it connects to the
// mesh, advertises its capabilities and serves task requests until
// terminated. The supervisor launches one of these per specialist.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/hsp"
	"github.com/unifiedai/agentmesh/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	aiID := os.Getenv("AGENTMESH_AI_ID")
	if aiID == "" {
		aiID = "did:hsp:data_analysis_agent"
	}
	redisURL := os.Getenv("AGENTMESH_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	poolSize := 0
	if v := os.Getenv("AGENTMESH_POOL_SIZE"); v != "" {
		poolSize, _ = strconv.Atoi(v)
	}

	logger.Info("Starting agent worker", zap.String("ai_id", aiID))

	ctx := context.Background()

	conn, err := hsp.NewConnector(aiID, redisURL, logger)
	if err != nil {
		logger.Fatal("invalid broker url", zap.Error(err))
	}
	if err := conn.Connect(ctx); err != nil {
		logger.Fatal("broker unavailable", zap.Error(err))
	}

	w := worker.New(conn, poolSize, logger)
	w.RegisterCapability(worker.DataAnalysisCapability(aiID), worker.DataAnalysis)
	w.RegisterCapability(worker.EchoCapability(aiID), worker.Echo)

	if err := w.Start(ctx); err != nil {
		logger.Fatal("worker start failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent worker...")
	w.Stop()
	conn.Disconnect()
}
