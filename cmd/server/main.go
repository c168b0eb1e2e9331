// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deepmemory/deepmemory/internal/compress"
	"github.com/deepmemory/deepmemory/internal/config"
	"github.com/deepmemory/deepmemory/internal/conflict"
	"github.com/deepmemory/deepmemory/internal/embeddings"
	"github.com/deepmemory/deepmemory/internal/fuse"
	"github.com/deepmemory/deepmemory/internal/graphstore"
	"github.com/deepmemory/deepmemory/internal/ingest"
	"github.com/deepmemory/deepmemory/internal/learn"
	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/profile"
	"github.com/deepmemory/deepmemory/internal/resolve"
	"github.com/deepmemory/deepmemory/internal/retrieval"
	"github.com/deepmemory/deepmemory/internal/server"
	"github.com/deepmemory/deepmemory/internal/store"
	"github.com/deepmemory/deepmemory/internal/tools"
	"github.com/deepmemory/deepmemory/internal/vectorindex"
	"github.com/deepmemory/deepmemory/pkg/scheduler"
)

// Version is set at build time via ldflags (e.g. goreleaser -X main.Version={{.Version}}).
var Version string

// components holds everything wired at startup. The tool context is what
// the MCP layer sees; the learner and compressor are also registered with
// the background scheduler in HTTP mode.
type components struct {
	repos      *store.Repos
	pipeline   *ingest.Pipeline
	learner    *learn.Learner
	compressor *compress.Compressor
	toolCtx    *tools.ToolContext
}

func main() {
	// CRITICAL: MCP servers must ONLY output JSON-RPC to stdout
	// Redirect all logging to stderr
	log.SetOutput(os.Stderr)

	// Define command-line flags
	httpMode := flag.Bool("http", false, "Run in HTTP server mode (default: stdio for MCP)")
	configPath := flag.String("config", "", "Path to config file")
	dbType := flag.String("db-type", "", "Database type (sqlite or postgres)")
	dbPath := flag.String("db-path", "", "Database path (for sqlite)")
	dbDSN := flag.String("db-dsn", "", "Database DSN (for postgres)")
	port := flag.Int("port", 0, "Server port (HTTP mode only)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "DeepMemory MCP Server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Server Mode:\n")
		fmt.Fprintf(os.Stderr, "  %s           Start MCP server (stdio)\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --http    Start HTTP server with health/status endpoints\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DB_TYPE            Database type (sqlite or postgres)\n")
		fmt.Fprintf(os.Stderr, "  DB_PATH            SQLite database path\n")
		fmt.Fprintf(os.Stderr, "  DB_DSN             PostgreSQL connection string\n")
		fmt.Fprintf(os.Stderr, "  PORT               Server port (HTTP mode only)\n")
		fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY     API key for LLM and embedding calls\n")
		fmt.Fprintf(os.Stderr, "  QDRANT_HOST        Vector index host\n")
		fmt.Fprintf(os.Stderr, "  NEO4J_URI          Relationship graph URI\n")
		fmt.Fprintf(os.Stderr, "  NEO4J_PASSWORD     Relationship graph password\n")
	}

	flag.Parse()

	log.Println("Starting DeepMemory MCP Server...")

	// Load configuration
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
		if err != nil {
			log.Printf("Warning: Failed to load config from %s: %v", *configPath, err)
			log.Println("Using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Printf("Loaded configuration from %s", *configPath)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			log.Printf("Warning: Failed to load default config: %v", err)
			log.Println("Using built-in defaults")
			cfg = config.DefaultConfig()
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Apply CLI flag overrides (highest priority)
	applyCLIOverrides(cfg, *dbType, *dbPath, *dbDSN, *port)

	log.Printf("Configuration: database=%s vector=%s:%d graph=%s",
		cfg.Database.Type, cfg.Vector.Host, cfg.Vector.Port, cfg.Graph.URI)

	// Structured logger for the components; stderr for the same reason as above
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	// Connect relational store and run migrations
	db, err := store.Connect(&store.Config{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresDSN: cfg.Database.PostgresDSN,
		LogLevel:    gormlogger.Silent, // CRITICAL: Silence GORM stdout output for MCP
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := store.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := embeddings.MigrateEmbeddings(db); err != nil {
		log.Fatalf("Failed to run embedding migrations: %v", err)
	}
	if err := compress.MigrateLocks(db); err != nil {
		log.Fatalf("Failed to run lock migrations: %v", err)
	}

	log.Println("Database migrations completed")

	comps, err := buildComponents(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to wire components: %v", err)
	}

	if *httpMode {
		log.Println("Running in HTTP server mode")
		runHTTPMode(cfg, db, logger, comps)
	} else {
		log.Println("Running in stdio mode (MCP)")
		runStdioMode(cfg, db, logger, comps)
	}
}

// buildComponents wires the full retrieval and learning stack from config.
func buildComponents(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) (*components, error) {
	repos := store.NewRepos(db)

	llmClient := llm.NewOpenAIClient(llm.Options{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		FastModel:       cfg.LLM.FastModel,
		DeliberateModel: cfg.LLM.DeliberateModel,
		TemperatureFast: cfg.LLM.TemperatureFast,
		TemperatureDeep: cfg.LLM.TemperatureDeep,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		MaxRetries:      cfg.LLM.MaxRetries,
		Timeout:         time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	embClient := embeddings.NewOpenAIClient(
		cfg.Embeddings.BaseURL,
		cfg.Embeddings.APIKey,
		cfg.Embeddings.Model,
		cfg.Embeddings.ModelVersion,
		cfg.Embeddings.Dimensions,
		time.Duration(cfg.Embeddings.TimeoutSeconds)*time.Second,
	)
	embedder := embeddings.NewService(db, embClient)

	index, err := vectorindex.NewQdrant(vectorindex.Config{
		Host:             cfg.Vector.Host,
		Port:             cfg.Vector.Port,
		APIKey:           cfg.Vector.APIKey,
		UseTLS:           cfg.Vector.UseTLS,
		CollectionPrefix: cfg.Vector.CollectionPrefix,
		Dimensions:       cfg.Embeddings.Dimensions,
		Timeout:          time.Duration(cfg.Vector.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}

	graph, err := graphstore.NewNeo4j(graphstore.Config{
		URI:      cfg.Graph.URI,
		Username: cfg.Graph.Username,
		Password: cfg.Graph.Password,
		Timeout:  time.Duration(cfg.Graph.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := graph.EnsureConstraints(initCtx); err != nil {
		return nil, fmt.Errorf("graph constraints: %w", err)
	}

	resolver := resolve.NewResolver(llmClient, resolve.Options{
		WindowSize:          cfg.Resolver.WindowSize,
		ConfidenceThreshold: cfg.Resolver.ConfidenceThreshold,
		DiscoveryMaxChars:   cfg.Resolver.DiscoveryMaxChars,
	}, logger)

	pipeline := ingest.NewPipeline(repos, resolver, embedder, index, logger)
	if err := pipeline.Init(initCtx); err != nil {
		return nil, fmt.Errorf("vector namespaces: %w", err)
	}

	detector := conflict.NewDetector(graph, llmClient, logger)

	learner := learn.NewLearner(repos, graph, detector, llmClient, learn.Options{
		ReflectionInterval: cfg.Learning.ReflectionInterval,
		ContextTurns:       cfg.Learning.ContextTurns,
		LookbackDays:       cfg.Learning.LookbackDays,
	}, logger)

	locks := compress.NewLockManager(db, time.Duration(cfg.Compress.LockTTLMinutes)*time.Minute)
	compressor := compress.NewCompressor(db, repos.Summaries, llmClient, locks, compressOptions(cfg), logger)

	profiles := profile.NewManager(repos.Profiles, llmClient, logger)

	orch := retrieval.NewOrchestrator(embedder, index, graph, repos, llmClient, retrieval.Options{
		TopKPerAxis:     cfg.Retrieval.TopKPerAxis,
		MaxGraphDepth:   cfg.Graph.MaxDepth,
		FanoutTimeout:   time.Duration(cfg.Retrieval.FanoutTimeoutMS) * time.Millisecond,
		ConfidenceFloor: cfg.Retrieval.ConfidenceFloor,
		Fusion: fuse.Options{
			RankConstant: cfg.Fusion.K,
			AxisWeights: map[embeddings.Axis]float64{
				embeddings.AxisTopical:   cfg.Fusion.WeightTopical,
				embeddings.AxisAffective: cfg.Fusion.WeightAffective,
				embeddings.AxisStrategic: cfg.Fusion.WeightStrategic,
				embeddings.AxisTemporal:  cfg.Fusion.WeightTemporal,
			},
			MaxCandidates: cfg.Fusion.MaxCandidates,
		},
	}, logger)

	toolCtx := tools.NewToolContext(repos, pipeline, orch, learner, compressor, profiles, logger)

	return &components{
		repos:      repos,
		pipeline:   pipeline,
		learner:    learner,
		compressor: compressor,
		toolCtx:    toolCtx,
	}, nil
}

// compressOptions maps config onto the compression ladder, keeping the
// production defaults for anything left unset.
func compressOptions(cfg *config.Config) compress.Options {
	opts := compress.DefaultOptions()
	if cfg.Compress.L1ThresholdTokens > 0 {
		opts.SessionThresholdTokens = cfg.Compress.L1ThresholdTokens
	}
	if cfg.Compress.L2ThresholdTokens > 0 {
		opts.ProjectThresholdTokens = cfg.Compress.L2ThresholdTokens
	}
	if cfg.Compress.L3ThresholdTokens > 0 {
		opts.IdentityThresholdTokens = cfg.Compress.L3ThresholdTokens
	}
	if cfg.Compress.TargetRatio > 0 {
		opts.SessionRatio = int(cfg.Compress.TargetRatio)
		opts.ProjectRatio = int(cfg.Compress.TargetRatio)
	}
	if cfg.Compress.TargetRatioGlobal > 0 {
		opts.IdentityRatio = int(cfg.Compress.TargetRatioGlobal)
	}
	if cfg.Compress.SanityFactor > 0 {
		opts.SanityFactor = cfg.Compress.SanityFactor
	}
	return opts
}

// runStdioMode serves the MCP protocol over stdin/stdout
func runStdioMode(cfg *config.Config, db *gorm.DB, logger *logrus.Logger, comps *components) {
	mcpServer := server.NewMCPServer(cfg, db, logger)
	mcpServer.RegisterTools(comps.toolCtx)

	log.Println("MCP server ready (stdio mode) - 5 tools registered")

	if err := mcpServer.ServeStdio(); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}

// runHTTPMode runs the server with health/status endpoints and the
// background learning scheduler
func runHTTPMode(cfg *config.Config, db *gorm.DB, logger *logrus.Logger, comps *components) {
	mcpServer := server.NewMCPServer(cfg, db, logger)
	mcpServer.RegisterTools(comps.toolCtx)

	httpServer := server.NewHTTPServer(mcpServer)

	mux := http.NewServeMux()
	httpServer.RegisterRoutes(mux)

	// Background scheduler: nightly consolidation plus an hourly
	// compression sweep over recently active conversations
	sched := scheduler.New(logger)
	registerJobs(sched, cfg, comps)
	sched.Start()
	defer sched.Stop()

	log.Printf("Background scheduler started (nightly at %s)", cfg.Learning.NightlyAt)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("HTTP server starting on %s", addr)

	if cfg.Server.TLS.Enabled {
		log.Println("TLS enabled")
		if err := http.ListenAndServeTLS(addr, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, mux); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	} else {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}
}

// registerJobs attaches the nightly consolidation and the compression
// sweep to the scheduler
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, comps *components) {
	nightlyAt, err := scheduler.ParseDailyAt(cfg.Learning.NightlyAt)
	if err != nil {
		log.Printf("Warning: invalid nightly_at %q, using 03:30: %v", cfg.Learning.NightlyAt, err)
		nightlyAt = scheduler.DailyAt{Hour: 3, Minute: 30}
	}

	sched.Register("nightly-consolidation", nightlyAt, func(ctx context.Context) error {
		if _, err := comps.learner.Nightly(ctx); err != nil {
			return err
		}
		return sweepCompression(ctx, cfg, comps)
	})

	sched.Register("compression-sweep", scheduler.Every{Interval: time.Hour}, func(ctx context.Context) error {
		return sweepCompression(ctx, cfg, comps)
	})
}

// sweepCompression walks the compression ladder for every conversation
// seen within the lookback window. Contended scopes are skipped by the
// compressor itself.
func sweepCompression(ctx context.Context, cfg *config.Config, comps *components) error {
	lookback := cfg.Learning.LookbackDays
	if lookback <= 0 {
		lookback = 1
	}
	since := time.Now().AddDate(0, 0, -lookback)

	convs, err := comps.repos.Utterances.RecentConversations(since)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := comps.compressor.RunAll(ctx, conv.ID); err != nil {
			log.Printf("Warning: compression failed for %s: %v", conv.ID, err)
		}
	}
	return nil
}

// getEnv returns the first non-empty value among the given keys
func getEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *config.Config) {
	if dbType := getEnv("DB_TYPE", "DEEPMEMORY_DB_TYPE"); dbType != "" {
		cfg.Database.Type = dbType
		log.Printf("Database type from ENV: %s", dbType)
	}
	if dbPath := getEnv("DB_PATH", "DEEPMEMORY_DB_PATH"); dbPath != "" {
		cfg.Database.SQLitePath = dbPath
		log.Printf("Database path from ENV")
	}
	if dbDSN := getEnv("DB_DSN", "DEEPMEMORY_DB_DSN"); dbDSN != "" {
		cfg.Database.PostgresDSN = dbDSN
		log.Printf("Database DSN from ENV (hidden)")
	}
	if portStr := getEnv("PORT", "DEEPMEMORY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.Port = port
			log.Printf("Port from ENV: %d", port)
		}
	}
	if key := getEnv("OPENAI_API_KEY", "DEEPMEMORY_API_KEY"); key != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = key
		}
		if cfg.Embeddings.APIKey == "" {
			cfg.Embeddings.APIKey = key
		}
		log.Printf("API key from ENV (hidden)")
	}
	if host := getEnv("QDRANT_HOST", "DEEPMEMORY_QDRANT_HOST"); host != "" {
		cfg.Vector.Host = host
		log.Printf("Vector host from ENV: %s", host)
	}
	if uri := getEnv("NEO4J_URI", "DEEPMEMORY_NEO4J_URI"); uri != "" {
		cfg.Graph.URI = uri
		log.Printf("Graph URI from ENV: %s", uri)
	}
	if user := getEnv("NEO4J_USERNAME", "DEEPMEMORY_NEO4J_USERNAME"); user != "" {
		cfg.Graph.Username = user
	}
	if pass := getEnv("NEO4J_PASSWORD", "DEEPMEMORY_NEO4J_PASSWORD"); pass != "" {
		cfg.Graph.Password = pass
		log.Printf("Graph password from ENV (hidden)")
	}
}

// applyCLIOverrides applies command-line flag overrides to the config
func applyCLIOverrides(cfg *config.Config, dbType, dbPath, dbDSN string, port int) {
	if dbType != "" {
		cfg.Database.Type = dbType
		log.Printf("Database type from CLI: %s", dbType)
	}
	if dbPath != "" {
		cfg.Database.SQLitePath = dbPath
		log.Printf("Database path from CLI")
	}
	if dbDSN != "" {
		cfg.Database.PostgresDSN = dbDSN
		log.Printf("Database DSN from CLI (hidden)")
	}
	if port > 0 {
		cfg.Server.Port = port
		log.Printf("Port from CLI: %d", port)
	}
}
