// Command indexer runs the agent registry indexer: ingestion poller, event
// buffer, reorg verifier, URI metadata worker and the health sidecar.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/buffer"
	"github.com/alt-research/8004-solana-indexer/internal/config"
	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/health"
	"github.com/alt-research/8004-solana-indexer/internal/ledger"
	"github.com/alt-research/8004-solana-indexer/internal/logging"
	"github.com/alt-research/8004-solana-indexer/internal/pda"
	"github.com/alt-research/8004-solana-indexer/internal/poller"
	"github.com/alt-research/8004-solana-indexer/internal/store"
	"github.com/alt-research/8004-solana-indexer/internal/uriworker"
	"github.com/alt-research/8004-solana-indexer/internal/verifier"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "indexer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	program, err := solana.PublicKeyFromBase58(cfg.Chain.ProgramID)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}

	logger.Info("starting indexer",
		zap.String("service", cfg.Service.Name),
		zap.String("program", program.String()),
		zap.String("db_mode", string(cfg.Database.DBMode)),
		zap.String("indexer_mode", string(cfg.Indexer.Mode)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	client := ledger.NewRPCClient(cfg.Chain.RPCEndpoint, logger)
	decoder := events.NewLogDecoder()
	deriver := pda.NewDeriver(program)

	uris := uriworker.New(st, cfg, logger)
	reg := handlers.NewRegistry(logger, uris)

	// The buffer exists only on the batched (pooled remote) write path;
	// local mode handles events inline in one transaction per ledger tx.
	var buf *buffer.Buffer
	if cfg.Database.DBMode == config.DBModeSupabase {
		buf = buffer.New(st, reg, logger)
	}

	if cfg.Indexer.Mode != config.IndexerModePolling {
		// Websocket subscriptions are not implemented; auto and websocket
		// degrade to polling.
		logger.Warn("indexer mode degrades to polling",
			zap.String("requested", string(cfg.Indexer.Mode)))
	}

	p, err := poller.New(client, decoder, st, reg, buf, program, cfg, logger)
	if err != nil {
		return err
	}

	var ver *verifier.Verifier
	if cfg.VerifyEnabled() {
		ver = verifier.New(client, st, deriver, cfg, logger)
	} else {
		logger.Warn("verification disabled, rows will stay PENDING")
	}

	if cfg.Service.APIMode != "" {
		// The read API is served by a separate deployment; the flag is
		// accepted for config compatibility.
		logger.Info("api mode accepted, served externally", zap.String("api_mode", cfg.Service.APIMode))
	}

	hs := health.NewServer(cfg.Service.HealthPort, st, logger)
	var bufStats health.BufferStats
	var dlqStats health.DLQStats
	if buf != nil {
		bufStats = buf
		dlqStats = buf.DLQ()
	}
	var verStats health.VerifierStats
	if ver != nil {
		verStats = ver
	}
	hs.Attach(p, bufStats, dlqStats, verStats, uris)

	// Startup order: observers first, then writers.
	hs.Start()
	uris.Start(ctx)
	if ver != nil {
		ver.Start(ctx)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Shutdown runs against a fresh deadline, in reverse dependency order:
	// URI worker, verifier, poller (which flushes the buffer), health, pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := uris.Stop(shutdownCtx); err != nil {
		logger.Warn("uri worker shutdown", zap.Error(err))
	}
	if ver != nil {
		if err := ver.Stop(shutdownCtx); err != nil {
			logger.Warn("verifier shutdown", zap.Error(err))
		}
	}
	if err := p.Stop(shutdownCtx); err != nil {
		logger.Warn("poller shutdown", zap.Error(err))
	}
	if err := hs.Stop(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", zap.Error(err))
	}

	logger.Info("indexer stopped")
	return nil
}
