// Command engine is the filament settlement engine's single binary.
// It replaces the teacher's flat main() with a cobra command tree
// since this process has multiple operating modes instead of one HTTP
// listener: schema migration, MQTT ingestion, tick-based settlement,
// both together, and one-shot operator calls (resolve, discard-tray).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/dbx"
	"github.com/yangtao121/Bambu-consumables-management/internal/estimator"
	"github.com/yangtao121/Bambu-consumables-management/internal/ingest"
	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	applog "github.com/yangtao121/Bambu-consumables-management/internal/logger"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/opsserver"
	"github.com/yangtao121/Bambu-consumables-management/internal/secretcrypto"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// Exit codes per the external-interfaces contract: 0 success, 1
// config error, 2 unrecoverable runtime error (e.g. DB schema mismatch).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	cfg := config.Load()
	log := applog.New(cfg)

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Filament settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(cfg, log),
		newIngestCmd(cfg, log),
		newProcessCmd(cfg, log),
		newAllCmd(cfg, log),
		newResolveCmd(cfg, log),
		newDiscardTrayCmd(cfg, log),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitRuntimeError)
	}
}

func newMigrateCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				log.Error().Msg("DATABASE_URL is not set")
				os.Exit(exitConfigError)
			}
			if err := dbx.Migrate(cfg.DatabaseURL); err != nil {
				log.Error().Err(err).Msg("migration failed")
				os.Exit(exitRuntimeError)
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newIngestCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the Ingestor (MQTT subscriber + normalizer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(cmd.Context(), cfg, log)
			if err != nil {
				return exitFor(err, log)
			}
			defer deps.pool.Close()

			registry, pipeline := deps.buildIngestStack(cfg, log)
			runWithOpsServer(cmd.Context(), cfg, log, deps.pool, registry, deps.metrics, func(ctx context.Context) {
				pipeline.Start(ctx)
				runRegistryLoop(ctx, registry, log)
				pipeline.Stop()
			})
			return nil
		},
	}
}

func newProcessCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run the Event Processor (settlement tick loop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(cmd.Context(), cfg, log)
			if err != nil {
				return exitFor(err, log)
			}
			defer deps.pool.Close()

			proc := deps.buildProcessor(cfg, log)
			runWithOpsServer(cmd.Context(), cfg, log, deps.pool, nil, deps.metrics, func(ctx context.Context) {
				proc.Run(ctx)
			})
			return nil
		},
	}
}

func newAllCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the Ingestor and the Event Processor in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(cmd.Context(), cfg, log)
			if err != nil {
				return exitFor(err, log)
			}
			defer deps.pool.Close()

			registry, pipeline := deps.buildIngestStack(cfg, log)
			proc := deps.buildProcessor(cfg, log)

			runWithOpsServer(cmd.Context(), cfg, log, deps.pool, registry, deps.metrics, func(ctx context.Context) {
				pipeline.Start(ctx)
				go runRegistryLoop(ctx, registry, log)
				go proc.Run(ctx)
				<-ctx.Done()
				pipeline.Stop()
			})
			return nil
		},
	}
}

func newResolveCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var jobID string
	var mappings []string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Attribute a job's pending trays to stocks (operator resolve API, spec §4.6.7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" || len(mappings) == 0 {
				log.Error().Msg("--job and at least one --map tray:stock are required")
				os.Exit(exitConfigError)
			}
			parsed, err := parseMappings(mappings)
			if err != nil {
				log.Error().Err(err).Msg("invalid --map value")
				os.Exit(exitConfigError)
			}

			deps, err := bootstrap(cmd.Context(), cfg, log)
			if err != nil {
				return exitFor(err, log)
			}
			defer deps.pool.Close()

			proc := deps.buildProcessor(cfg, log)
			if err := proc.ResolvePending(cmd.Context(), jobID, parsed, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("resolve pending trays failed")
				os.Exit(exitRuntimeError)
			}
			log.Info().Str("job_id", jobID).Int("mappings", len(parsed)).Msg("pending trays resolved")
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "print job ID")
	cmd.Flags().StringArrayVar(&mappings, "map", nil, "tray_id:stock_id mapping, repeatable")
	return cmd
}

func newDiscardTrayCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var jobID string
	var delta int
	var reason string

	cmd := &cobra.Command{
		Use:   "discard-tray",
		Short: "Write a tray-only ledger row recording a change in tray slot count (spec §4.2)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delta == 0 || reason == "" {
				log.Error().Msg("--delta (non-zero) and --reason are required")
				os.Exit(exitConfigError)
			}

			deps, err := bootstrap(cmd.Context(), cfg, log)
			if err != nil {
				return exitFor(err, log)
			}
			defer deps.pool.Close()

			ledgerSvc := ledger.NewService(deps.stocks, deps.ledger, deps.metrics)
			var job *string
			if jobID != "" {
				job = &jobID
			}
			row, err := ledgerSvc.WriteTrayDiscard(cmd.Context(), job, delta, reason, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("tray discard failed")
				os.Exit(exitRuntimeError)
			}
			log.Info().Int64("ledger_id", row.ID).Int("tray_delta", delta).Msg("tray discard recorded")
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "associated print job ID (optional)")
	cmd.Flags().IntVar(&delta, "delta", 0, "signed tray slot delta, e.g. -1 for a retired bay")
	cmd.Flags().StringVar(&reason, "reason", "", "operator-supplied reason")
	return cmd
}

func parseMappings(raw []string) ([]settlement.ResolveMapping, error) {
	out := make([]settlement.ResolveMapping, 0, len(raw))
	for _, m := range raw {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("expected tray_id:stock_id, got %q", m)
		}
		trayID, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("tray_id %q is not an integer: %w", parts[0], err)
		}
		out = append(out, settlement.ResolveMapping{TrayID: trayID, StockID: parts[1]})
	}
	return out, nil
}

// engineDeps bundles the persistence layer so every subcommand builds
// its component stack from the same pool and repositories.
type engineDeps struct {
	pool    *pgxpool.Pool
	printer store.PrinterRepository
	raw     store.RawEventRepository
	norm    store.NormalizedEventRepository
	jobs    store.JobRepository
	stocks  store.StockRepository
	ledger  store.LedgerRepository
	consume store.ConsumptionRepository
	colors  store.ColorMappingRepository
	metrics *metrics.Metrics
}

func bootstrap(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*engineDeps, error) {
	if cfg.DatabaseURL == "" {
		return nil, configErr{msg: "DATABASE_URL is not set"}
	}

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		return nil, runtimeErr{err: err}
	}

	return &engineDeps{
		pool:    pool,
		printer: store.NewPgPrinterRepository(pool),
		raw:     store.NewPgRawEventRepository(pool),
		norm:    store.NewPgNormalizedEventRepository(pool),
		jobs:    store.NewPgJobRepository(pool),
		stocks:  store.NewPgStockRepository(pool),
		ledger:  store.NewPgLedgerRepository(pool),
		consume: store.NewPgConsumptionRepository(pool),
		colors:  store.NewPgColorMappingRepository(pool),
		metrics: metrics.NewMetrics(log),
	}, nil
}

func (d *engineDeps) buildProcessor(cfg *config.Config, log zerolog.Logger) *settlement.Processor {
	ledgerSvc := ledger.NewService(d.stocks, d.ledger, d.metrics)
	return settlement.NewProcessor(d.norm, d.jobs, d.stocks, d.ledger, d.consume, d.colors, ledgerSvc, d.metrics, log, cfg.MaterialAMSCalibrationEnabled)
}

func (d *engineDeps) buildIngestStack(cfg *config.Config, log zerolog.Logger) (*ingest.Registry, *ingest.Pipeline) {
	codec, err := secretcrypto.NewCodec(cfg.AppSecretKey)
	if err != nil {
		log.Warn().Err(err).Msg("secretcrypto codec unavailable — printer access codes cannot be decrypted")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			redisClient = redis.NewClient(opts)
		} else {
			log.Warn().Err(err).Msg("invalid REDIS_URL — estimator cache runs in-process only")
		}
	}
	cache := estimator.NewCache(redisClient, cfg.EstimateCacheTTL, d.metrics, log)
	estClient := estimator.NewClient(cache, estimator.DialPrinter, log)

	mqttClient := ingest.NewPahoClient(cfg.MQTTBrokerHost, cfg.MQTTBrokerPort, "", "", cfg.AllowInsecureMQTTTLS)

	// The registry isn't constructed yet when the ingestor needs a
	// schedule hook, so the hook closes over a pointer that's filled in
	// right after — both are local to this one bootstrap call.
	var registry *ingest.Registry
	schedule := func(jobKey, printerID, subtaskName, gcodeFile string) {
		if registry != nil {
			registry.ScheduleEstimate(jobKey, printerID, subtaskName, gcodeFile)
		}
	}

	ingestor := ingest.NewIngestor(d.printer, d.raw, d.norm, estClient, schedule, d.metrics, log)
	pipeline := ingest.NewPipeline(log, d.metrics, ingestor.Process, ingest.PipelineConfig{BufferSize: cfg.IngestQueueCapacity})
	registry = ingest.NewRegistry(mqttClient, codec, pipeline, estClient, d.printer, d.metrics, log)

	return registry, pipeline
}

// runRegistryLoop keeps the printer registry in sync with the Printer
// table every 30s until ctx is cancelled, per the Ingestor's §5
// rediscovery requirement.
func runRegistryLoop(ctx context.Context, registry *ingest.Registry, log zerolog.Logger) {
	if err := registry.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("initial printer registry sync failed")
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			registry.Stop()
			return
		case <-ticker.C:
			if err := registry.Sync(ctx); err != nil {
				log.Error().Err(err).Msg("printer registry sync failed")
			}
		}
	}
}

// runWithOpsServer starts the healthz/readyz/metrics surface, runs fn
// until an OS signal arrives, then shuts the ops server down.
func runWithOpsServer(ctx context.Context, cfg *config.Config, log zerolog.Logger, pool *pgxpool.Pool, printers opsserver.PrinterHealth, m *metrics.Metrics, fn func(context.Context)) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.OpsAddr, Handler: opsserver.New(pool, printers, m, log)}
	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	fn(sigCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}
}

type configErr struct{ msg string }

func (e configErr) Error() string { return e.msg }

type runtimeErr struct{ err error }

func (e runtimeErr) Error() string { return e.err.Error() }

func exitFor(err error, log zerolog.Logger) error {
	switch err.(type) {
	case configErr:
		log.Error().Err(err).Msg("configuration error")
		os.Exit(exitConfigError)
	default:
		log.Error().Err(err).Msg("unrecoverable runtime error")
		os.Exit(exitRuntimeError)
	}
	return nil
}
