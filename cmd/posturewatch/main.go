package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/posturewatch/posturewatch/internal/ai/investigation"
	"github.com/posturewatch/posturewatch/internal/ai/providers"
	"github.com/posturewatch/posturewatch/internal/alerts"
	"github.com/posturewatch/posturewatch/internal/config"
	"github.com/posturewatch/posturewatch/internal/logging"
	"github.com/posturewatch/posturewatch/internal/monitoring"
	"github.com/posturewatch/posturewatch/internal/notifications"
	"github.com/posturewatch/posturewatch/internal/storage"
	"github.com/posturewatch/posturewatch/internal/telemetry"
	"github.com/posturewatch/posturewatch/internal/toolclient"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "posturewatch",
	Short:   "PostureWatch - security posture monitoring daemon",
	Long:    `PostureWatch polls tenant security metrics on a fixed schedule, evaluates alert rules against each snapshot, and investigates security findings with an agentic tool loop.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PostureWatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "posturewatch",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "posturewatch",
	})
	log.Info().Str("version", Version).Msg("Starting PostureWatch")

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open data store")
	}
	defer store.Close()

	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn().Err(err).Msg("Failed to register telemetry collectors")
	}

	pool := toolclient.NewPool(toolclient.Config{
		Command:        cfg.WorkerCommand,
		Args:           cfg.WorkerArgs,
		DefaultTimeout: cfg.ToolTimeout,
		SlowTimeout:    cfg.SlowToolTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
	})
	defer pool.Close()

	lifecycle := alerts.NewLifecycle(store)
	notifier := notifications.NewManager(notifications.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	})

	var investigator monitoring.Investigator
	if cfg.VerifyAlerts {
		if cfg.LLMAPIKey == "" {
			log.Warn().Msg("Alert verification enabled but no completion API key set, disabling")
		} else {
			provider := providers.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMEndpoint)
			investigator = investigation.NewOrchestrator(provider, pool, cfg.LLMMaxTokens)
		}
	}

	scheduler := monitoring.New(store, pool, lifecycle, notifier, investigator, cfg.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		startTelemetryServer(ctx, cfg.MetricsAddr)
	}

	scheduler.Run(ctx)
	log.Info().Msg("Shutdown complete")
}
