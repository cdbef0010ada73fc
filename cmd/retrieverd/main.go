// Retrieverd is a tenant-scoped synchronization and retrieval daemon.
//
// It keeps an embedding index aligned with an authoritative record store
// and answers retrieval queries through tiered fallback: the partitioned
// vector index first, legacy-named partitions second, and a keyword scan
// over the record store last.
//
// Configuration is loaded from an optional YAML file plus RETRIEVERD_
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	retrieverd
//
//	# Start with a config file
//	retrieverd --config /etc/retrieverd/config.yaml
//
//	# Configure via environment
//	RETRIEVERD_SERVER_PORT=9191 RETRIEVERD_INDEX_PROVIDER=qdrant retrieverd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrieverd/internal/chunker"
	"github.com/fyrsmithlabs/retrieverd/internal/config"
	"github.com/fyrsmithlabs/retrieverd/internal/docstore"
	"github.com/fyrsmithlabs/retrieverd/internal/embeddings"
	"github.com/fyrsmithlabs/retrieverd/internal/index"
	"github.com/fyrsmithlabs/retrieverd/internal/logging"
	"github.com/fyrsmithlabs/retrieverd/internal/resolver"
	"github.com/fyrsmithlabs/retrieverd/internal/server"
	"github.com/fyrsmithlabs/retrieverd/internal/syncer"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "retrieverd",
	Short: "Tenant-scoped synchronization and retrieval daemon",
	Long: `retrieverd keeps an embedding index synchronized with an authoritative
record store and serves tiered retrieval queries over HTTP.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("retrieverd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run starts the retrieverd daemon and blocks until the context is
// cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Opens the record store and the embedding index
//  4. Creates the embedding client and chunker
//  5. Wires the sync orchestrator and the retrieval resolver
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting retrieverd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("index_provider", cfg.Index.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("dependencies initialized",
		zap.String("store_path", cfg.Store.Path),
		zap.String("embeddings_base_url", cfg.Embeddings.BaseURL))

	orch, err := syncer.New(deps.store, deps.index, deps.embedder, deps.chunker, deps.states,
		syncer.Config{Workers: cfg.Sync.Workers, Timeout: cfg.Sync.Timeout}, logger)
	if err != nil {
		return fmt.Errorf("creating sync orchestrator: %w", err)
	}

	res, err := resolver.New(deps.index, deps.store, deps.embedder, orch,
		resolver.Config{TierTimeout: cfg.Resolve.TierTimeout, DefaultTopK: cfg.Resolve.DefaultTopK}, logger)
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	srv, err := server.NewServer(res, orch, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store    *docstore.SQLiteStore
	states   *syncer.SQLiteStateStore
	index    index.Index
	embedder embeddings.Embedder
	chunker  *chunker.Chunker
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			d.logger.Warn("closing index", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing record store", zap.Error(err))
		}
	}
}

// initDependencies opens the record store, sync state store, embedding
// index, embedding client, and chunker.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	store, err := docstore.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	states, err := syncer.NewSQLiteStateStore(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening sync state store: %w", err)
	}

	idx, err := initIndex(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	embedder, err := embeddings.NewProvider(embeddings.Config{
		Provider:          cfg.Embeddings.Provider,
		BaseURL:           cfg.Embeddings.BaseURL,
		Model:             cfg.Embeddings.Model,
		APIKey:            cfg.Embeddings.APIKey.Value(),
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Burst:             cfg.Embeddings.Burst,
		Timeout:           cfg.Embeddings.Timeout,
	})
	if err != nil {
		idx.Close()
		store.Close()
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	ch, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Sync.ChunkSize,
		ChunkOverlap: cfg.Sync.ChunkOverlap,
	})
	if err != nil {
		idx.Close()
		store.Close()
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	return &dependencies{
		store:    store,
		states:   states,
		index:    idx,
		embedder: embedder,
		chunker:  ch,
		logger:   logger,
	}, nil
}

// initIndex creates the embedding index backend selected by config.
func initIndex(cfg *config.Config, logger *zap.Logger) (index.Index, error) {
	switch cfg.Index.Provider {
	case "chromem":
		idx, err := index.NewChromemIndex(index.ChromemConfig{
			Path:     cfg.Index.Chromem.Path,
			Compress: cfg.Index.Chromem.Compress,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem index: %w", err)
		}
		return idx, nil
	case "qdrant":
		idx, err := index.NewQdrantIndex(index.QdrantConfig{
			Host:       cfg.Index.Qdrant.Host,
			Port:       cfg.Index.Qdrant.Port,
			APIKey:     cfg.Index.Qdrant.APIKey.Value(),
			UseTLS:     cfg.Index.Qdrant.UseTLS,
			VectorSize: uint64(cfg.Index.VectorSize),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating qdrant index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index provider %q", cfg.Index.Provider)
	}
}
