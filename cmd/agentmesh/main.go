// agentmesh entry point.
//
// Usage:
//
//	agentmesh migrate --config agentmesh.yaml   # create/update the schema
//	agentmesh demo    --config agentmesh.yaml   # seed and run a demo workflow
//	agentmesh version                           # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/internal/database"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/llm"
	"github.com/agentmesh/agentmesh/orchestrator"
	"github.com/agentmesh/agentmesh/store"
	"github.com/agentmesh/agentmesh/types"

	agentpkg "github.com/agentmesh/agentmesh/agent"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate(os.Args[2:])
	case "demo":
		runDemo(os.Args[2:])
	case "version":
		fmt.Printf("agentmesh %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentmesh - workflow orchestration engine

Commands:
  migrate    Create or update the database schema
  demo       Seed a demo workflow and execute it
  version    Show version information`)
}

func loadConfig(args []string) *config.Config {
	fs := flag.NewFlagSet("agentmesh", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func openDB(cfg config.DatabaseConfig, logger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		logger.Fatal("unsupported database driver", zap.String("driver", cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if _, err := database.NewPoolManager(db, poolCfg, logger); err != nil {
		logger.Fatal("failed to configure pool", zap.Error(err))
	}

	return db
}

func runMigrate(args []string) {
	cfg := loadConfig(args)
	logger := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db := openDB(cfg.Database, logger)
	if err := store.Migrate(db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migration complete", zap.String("driver", cfg.Database.Driver))
}

// echoProvider is a stand-in model backend for the demo command. Real
// deployments inject their own llm.Provider implementation.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &llm.ChatResponse{
		Provider: "echo",
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Message: llm.Message{
				Role:    llm.RoleAssistant,
				Content: "echo: " + last.Content,
			},
		}},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func runDemo(args []string) {
	cfg := loadConfig(args)
	logger := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db := openDB(cfg.Database, logger)
	if err := store.Migrate(db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	graphStore, err := store.NewGormStore(db, logger)
	if err != nil {
		logger.Fatal("failed to create graph store", zap.Error(err))
	}

	collector := metrics.NewCollector(cfg.Engine.MetricsNamespace, prometheus.DefaultRegisterer, logger)
	runner := agentpkg.NewLLMRunner(echoProvider{}, logger)

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(collector),
		orchestrator.WithMaxDelegationDepth(cfg.Engine.MaxDelegationDepth),
	}
	if cfg.Redis.Enabled {
		mirror, err := store.NewRedisLogStore(store.RedisLogConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			logger.Fatal("failed to connect redis log mirror", zap.Error(err))
		}
		defer func() { _ = mirror.Close() }()
		opts = append(opts, orchestrator.WithLogMirror(mirror))
	}

	engine := orchestrator.NewEngine(graphStore, runner, logger, opts...)

	workflowID := seedDemoWorkflow(db, logger)

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, workflowID, types.JSONMap{"message": "hello, agentmesh"})
	if err != nil {
		logger.Fatal("failed to start execution", zap.Error(err))
	}
	logger.Info("execution started", zap.Uint("execution_id", execID))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("shutdown timed out", zap.Error(err))
	}

	exec, err := engine.GetExecutionStatus(ctx, execID)
	if err != nil {
		logger.Fatal("failed to read execution", zap.Error(err))
	}
	logger.Info("execution finished",
		zap.String("status", string(exec.Status)),
		zap.Any("final_output", exec.FinalOutput),
	)

	logs, err := engine.GetExecutionLogs(ctx, execID)
	if err != nil {
		logger.Fatal("failed to read logs", zap.Error(err))
	}
	for _, entry := range logs {
		logger.Info("log entry",
			zap.Uintp("node_id", entry.NodeID),
			zap.Bool("is_delegation", entry.IsDelegation),
			zap.String("error", entry.ErrorMessage),
		)
	}
}

// seedDemoWorkflow creates a start -> agent -> end workflow if none exists.
func seedDemoWorkflow(db *gorm.DB, logger *zap.Logger) uint {
	var existing types.Workflow
	if err := db.Where("name = ?", "demo").First(&existing).Error; err == nil {
		return existing.ID
	}

	blueprint := types.AgentBlueprint{
		Name:         "demo-assistant",
		SystemPrompt: "You are a helpful assistant.",
		ModelID:      "echo-1",
		Temperature:  0.7,
		IsActive:     true,
	}
	if err := db.Create(&blueprint).Error; err != nil {
		logger.Fatal("failed to seed blueprint", zap.Error(err))
	}

	wf := types.Workflow{Name: "demo", Description: "demo workflow", IsActive: true}
	if err := db.Create(&wf).Error; err != nil {
		logger.Fatal("failed to seed workflow", zap.Error(err))
	}

	start := types.Node{WorkflowID: wf.ID, Type: types.NodeStart, Name: "start"}
	agentNode := types.Node{WorkflowID: wf.ID, Type: types.NodeAgent, Name: "assist", AgentID: &blueprint.ID}
	end := types.Node{WorkflowID: wf.ID, Type: types.NodeEnd, Name: "end"}
	for _, n := range []*types.Node{&start, &agentNode, &end} {
		if err := db.Create(n).Error; err != nil {
			logger.Fatal("failed to seed node", zap.Error(err))
		}
	}

	edges := []types.Edge{
		{WorkflowID: wf.ID, SourceNodeID: start.ID, TargetNodeID: agentNode.ID},
		{WorkflowID: wf.ID, SourceNodeID: agentNode.ID, TargetNodeID: end.ID},
	}
	for i := range edges {
		if err := db.Create(&edges[i]).Error; err != nil {
			logger.Fatal("failed to seed edge", zap.Error(err))
		}
	}

	logger.Info("seeded demo workflow", zap.Uint("workflow_id", wf.ID))
	return wf.ID
}
