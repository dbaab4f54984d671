package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/claimsync/internal/backend"
	"github.com/MarcoPoloResearchLab/claimsync/internal/config"
	"github.com/MarcoPoloResearchLab/claimsync/internal/database"
	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	"github.com/MarcoPoloResearchLab/claimsync/internal/logging"
	"github.com/MarcoPoloResearchLab/claimsync/internal/persistence"
)

// agent bundles the sync core with the resources it owns.
type agent struct {
	config   config.AgentConfig
	core     *deltasync.Core
	registry *prometheus.Registry
	logger   *zap.Logger
	close    func()
}

func openAgent(ctx context.Context) (*agent, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(agentConfig.LogLevel, "agent")
	if err != nil {
		return nil, err
	}

	db, err := database.OpenStateSQLite(agentConfig.StatePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	store, err := persistence.NewStore(persistence.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		closeAll()
		return nil, err
	}
	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL:     agentConfig.BackendURL,
		AccessToken: agentConfig.AccessToken,
		Timeout:     agentConfig.BackendTimeout,
		Logger:      logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := deltasync.NewMetrics(registry)
	if err != nil {
		closeAll()
		return nil, err
	}

	core, err := deltasync.NewCore(deltasync.CoreConfig{
		Persistence: store,
		Backend:     client,
		Fetcher:     client,
		Reporter:    deltasync.NewLoggerReporter(logger),
		Logger:      logger,
		Metrics:     metrics,
		Clock:       time.Now,
		IDProvider:  deltasync.NewUUIDProvider(),
		ProviderID:  agentConfig.ProviderID,
		MaxInFlight: agentConfig.MaxInFlight,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	if err := core.Load(ctx); err != nil {
		closeAll()
		return nil, err
	}

	return &agent{config: agentConfig, core: core, registry: registry, logger: logger, close: closeAll}, nil
}

// runCycle pushes queued deltas, then pulls the provider's open work.
func (a *agent) runCycle(ctx context.Context) deltasync.SyncOutcome {
	outcome := a.core.TriggerSync(ctx)
	if _, err := a.core.RefreshOpenWork(ctx); err != nil {
		a.logger.Warn("open work refresh failed", zap.Error(err))
	}
	a.logger.Info("sync cycle finished",
		zap.Int("succeeded", len(outcome.Succeeded)),
		zap.Int("failed", len(outcome.Failed)),
		zap.Duration("duration", outcome.FinishedAt.Sub(outcome.StartedAt)))
	return outcome
}

func newSyncCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued deltas against the backend",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindAgentFlags(cmd)
			bindFlag(cmd.Flags(), "sync.interval_seconds", "interval-seconds")
			bindFlag(cmd.Flags(), "metrics.address", "metrics-address")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, err := cmd.Flags().GetBool("watch")
			if err != nil {
				return err
			}
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if !watch {
				outcome := a.runCycle(cmd.Context())
				if err := writeOutcome(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
				if len(outcome.Failed) > 0 {
					return fmt.Errorf("%d deltas failed to sync", len(outcome.Failed))
				}
				return nil
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.watch(signalCtx)
		},
	}
	addAgentFlags(cmd, defaults)
	cmd.Flags().Bool("watch", false, "Keep running and sync on an interval")
	cmd.Flags().Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between sync cycles in watch mode")
	cmd.Flags().String("metrics-address", defaults.GetString("metrics.address"), "Listen address for Prometheus metrics in watch mode")
	return cmd
}

func (a *agent) watch(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	if a.config.MetricsAddress != "" {
		metricsServer := &http.Server{
			Addr:    a.config.MetricsAddress,
			Handler: newMetricsHandler(a.registry),
		}
		group.Go(func() error {
			return serveUntilDone(groupCtx, metricsServer, a.logger)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(a.config.SyncInterval)
		defer ticker.Stop()
		for {
			a.runCycle(groupCtx)
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return group.Wait()
}

func newMetricsHandler(registry *prometheus.Registry) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func writeOutcome(out io.Writer, outcome deltasync.SyncOutcome) error {
	if outcome.Detached {
		_, err := fmt.Fprintln(out, "sync still running, stopped waiting")
		return err
	}
	if _, err := fmt.Fprintf(out, "synced %d, failed %d\n", len(outcome.Succeeded), len(outcome.Failed)); err != nil {
		return err
	}
	for _, failure := range outcome.Failed {
		if _, err := fmt.Fprintf(out, "  %s %s (%s): %v\n", failure.ModelType, failure.ModelID, failure.DeltaID, failure.Err); err != nil {
			return err
		}
	}
	return nil
}

func newStatusCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued deltas and the last sync time",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindAgentFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			for _, modelType := range deltasync.SyncOrder {
				if _, err := fmt.Fprintf(out, "%-20s %d unsynced\n", modelType, a.core.UnsyncedCount(modelType)); err != nil {
					return err
				}
			}
			lastSynced, ok := a.core.LastSyncedAt()
			if !ok {
				_, err = fmt.Fprintln(out, "last synced: never")
				return err
			}
			_, err = fmt.Fprintf(out, "last synced: %s\n", lastSynced.UTC().Format(time.RFC3339))
			return err
		},
	}
	addAgentFlags(cmd, defaults)
	return cmd
}

func newQueueCommand(defaults *viper.Viper) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Record an offline change for later sync",
	}
	queueCmd.AddCommand(
		newQueueActionCommand(defaults, "create", (*deltasync.Core).QueueCreate),
		newQueueActionCommand(defaults, "update", (*deltasync.Core).QueueUpdate),
	)
	return queueCmd
}

type queueFunc func(*deltasync.Core, context.Context, deltasync.ModelType, deltasync.Record) (deltasync.Delta, error)

func newQueueActionCommand(defaults *viper.Viper, name string, queue queueFunc) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   name + " <ModelType>",
		Short: "Queue a " + name + " for a record read from a JSON file",
		Args:  cobra.ExactArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			bindAgentFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			modelType, err := deltasync.ParseModelType(args[0])
			if err != nil {
				return err
			}
			record, err := readRecord(cmd.InOrStdin(), inputPath)
			if err != nil {
				return err
			}

			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			delta, err := queue(a.core, cmd.Context(), modelType, record)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(delta)
		},
	}
	addAgentFlags(cmd, defaults)
	cmd.Flags().StringVar(&inputPath, "file", "-", "JSON record to queue (- reads stdin)")
	return cmd
}

func readRecord(stdin io.Reader, path string) (deltasync.Record, error) {
	source := stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		source = file
	}
	var record deltasync.Record
	if err := json.NewDecoder(source).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
