// Package main is the Tsunagu CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/cli"
	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/embedding"
	"github.com/hyperjump/tsunagu/internal/ingest"
	"github.com/hyperjump/tsunagu/internal/mention"
	"github.com/hyperjump/tsunagu/internal/pipeline"
	"github.com/hyperjump/tsunagu/internal/rerank"
	"github.com/hyperjump/tsunagu/internal/server"
	"github.com/hyperjump/tsunagu/internal/store"
	"github.com/hyperjump/tsunagu/internal/vector"
	"github.com/hyperjump/tsunagu/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/tsunagu/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so "tsunagu server" from the project dir picks up the project's
// config. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "scan":
		runScan()
	case "relink":
		runRelink()
	case "edges":
		runEdges()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("tsunagu version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// Components holds the initialized application dependencies.
type Components struct {
	Store       store.Store
	Embedder    embedding.Embedder
	Cache       *embedding.Cache
	VectorIndex *vector.Index
	Mentions    *mention.Index
	Scorer      rerank.Scorer
	Engine      *pipeline.Engine
	Scanner     *ingest.Scanner
}

// Close releases all component resources.
func (c *Components) Close() {
	if c.Mentions != nil {
		_ = c.Mentions.Close()
	}
	if c.Scorer != nil {
		_ = c.Scorer.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	st, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	embedder, err := embedding.NewEmbedder(&cfg.Embed)
	if err != nil {
		logger.Warn("embedder unavailable, falling back to mock",
			zap.String("provider", cfg.Embed.Provider),
			zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embed.Dimensions)
	}
	cache := embedding.NewCache(st, embedder, logger)

	vectorIndex, err := vector.NewIndex(cfg.Embed.Dimensions)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if cfg.Storage.VectorIndexPath != "" {
		if loadErr := vectorIndex.Load(cfg.Storage.VectorIndexPath); loadErr != nil {
			logger.Warn("vector snapshot load skipped",
				zap.String("path", cfg.Storage.VectorIndexPath),
				zap.Error(loadErr))
		}
	}

	var mentions *mention.Index
	if cfg.Pipeline.MentionCandidates {
		mentions, err = mention.NewIndex(cfg.Storage.BleveIndexPath)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to initialize mention index: %w", err)
		}
	}

	scorer := rerank.NewHTTPScorer(&cfg.Rerank)
	stage := rerank.NewStage(scorer, &cfg.Rerank, logger)

	var engineMentions pipeline.Mentions
	if mentions != nil {
		engineMentions = mentions
	}
	engine := pipeline.NewEngine(st, cache, vectorIndex, engineMentions, stage, &cfg.Pipeline, logger)

	var scanner *ingest.Scanner
	if cfg.Vault.Path != "" {
		var mi ingest.MentionIndexer
		if mentions != nil {
			mi = mentions
		}
		scanner = ingest.NewScanner(&cfg.Vault, st, mi, logger)
	}

	return &Components{
		Store:       st,
		Embedder:    embedder,
		Cache:       cache,
		VectorIndex: vectorIndex,
		Mentions:    mentions,
		Scorer:      scorer,
		Engine:      engine,
		Scanner:     scanner,
	}, nil
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	if err := components.Engine.Warm(context.Background()); err != nil {
		logger.Fatal("Failed to warm vector index", zap.Error(err))
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var watcher *ingest.Watcher
	if components.Scanner != nil {
		scanner := components.Scanner
		engine := components.Engine
		watcher = ingest.NewWatcher(cfg.Vault.Path, cfg.Vault.Extensions,
			func(path string) {
				identity, err := scanner.IngestFile(context.Background(), path)
				if err != nil {
					logger.Warn("watch ingest failed", zap.String("path", path), zap.Error(err))
					return
				}
				report := engine.RunConcept(context.Background(), identity, false)
				if report.Error != "" {
					logger.Warn("watch relink failed",
						zap.String("identity", identity),
						zap.String("error", report.Error))
				}
			},
			func(path string) {
				identity, err := scanner.RemoveFile(context.Background(), path)
				if err != nil {
					logger.Warn("watch remove failed", zap.String("path", path), zap.Error(err))
					return
				}
				if identity != "" {
					engine.RemoveConcept(context.Background(), identity)
				}
			},
			logger,
		)
		if err := watcher.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start vault watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(
		components.Engine,
		components.Store,
		components.Scanner,
		mentionIndexer(components),
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watcher != nil {
		watcher.Stop()
	}
	saveSnapshot(cfg, components, logger)
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func mentionIndexer(components *Components) ingest.MentionIndexer {
	if components.Mentions == nil {
		return nil
	}
	return components.Mentions
}

func saveSnapshot(cfg *config.Config, components *Components, logger *zap.Logger) {
	if cfg.Storage.VectorIndexPath == "" {
		return
	}
	if err := components.VectorIndex.Save(cfg.Storage.VectorIndexPath); err != nil {
		logger.Warn("vector snapshot save failed",
			zap.String("path", cfg.Storage.VectorIndexPath),
			zap.Error(err))
	}
}

func runScan() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	relink := fs.Bool("relink", false, "relink the corpus after scanning")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	if components.Scanner == nil {
		fmt.Fprintln(os.Stderr, "vault.path is not configured")
		os.Exit(1)
	}
	ctx := context.Background()
	report, err := components.Scanner.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteScanReport(os.Stdout, report.Scanned, report.Created, report.Updated,
		report.CuratedEdges, report.Conflicts, cli.OutputFormat(*outputFormat))

	if *relink {
		if err := components.Engine.Warm(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warm failed: %v\n", err)
			os.Exit(1)
		}
		batch, err := components.Engine.RunBatch(ctx, nil, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Relink failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteBatchReport(os.Stdout, batch, cli.OutputFormat(*outputFormat))
		saveSnapshot(cfg, components, logger)
	}
}

func runRelink() {
	fs := flag.NewFlagSet("relink", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	force := fs.Bool("force", false, "relink even when fingerprints are unchanged")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	if err := components.Engine.Warm(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warm failed: %v\n", err)
		os.Exit(1)
	}
	// Remaining args are identities; none means the whole corpus.
	report, err := components.Engine.RunBatch(ctx, fs.Args(), *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relink failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteBatchReport(os.Stdout, report, cli.OutputFormat(*outputFormat))
	saveSnapshot(cfg, components, logger)
}

func runEdges() {
	fs := flag.NewFlagSet("edges", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tsunagu edges [flags] <identity>")
		os.Exit(1)
	}
	identity := fs.Arg(0)

	_, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	edges, err := components.Store.EdgesFor(context.Background(), identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Edges failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteEdges(os.Stdout, identity, edges, cli.OutputFormat(*outputFormat))
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	concepts, err := components.Store.CountConcepts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Count concepts failed: %v\n", err)
		os.Exit(1)
	}
	edges, err := components.Store.CountEdges(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Count edges failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Concepts:          %d\n", concepts)
	fmt.Printf("Edges:             %d\n", edges)
	fmt.Printf("Vector index size: %d\n", components.Engine.IndexSize())
	fmt.Printf("Embedding model:   %s (%dd)\n", cfg.Embed.Model, cfg.Embed.Dimensions)
	fmt.Printf("Rerank model:      %s (threshold %.2f)\n", cfg.Rerank.Model, cfg.Rerank.Threshold)
	fmt.Printf("Database:          %s\n", cfg.Storage.DatabasePath)
}

func mustInitialize(configPath string) (*config.Config, *zap.Logger, *Components) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, components
}

func printUsage() {
	fmt.Println(`Tsunagu - concept relationship engine

Usage:
  tsunagu server  [--config path] [--debug]     Start the HTTP API server
  tsunagu scan    [--config path] [--relink]    Ingest the vault into the store
  tsunagu relink  [--config path] [--force] [identity ...]
                                                Run the linking pipeline
  tsunagu edges   [--config path] <identity>    List a concept's edges
  tsunagu status  [--config path]               Show corpus statistics
  tsunagu version                               Show version

Flags accept --output json for machine-readable output where applicable.`)
}
