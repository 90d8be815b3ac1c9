package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	configFile string
	logLevel   string
	logger     zerolog.Logger

	rootCmd = &cobra.Command{
		Use:           "ashtiers",
		Short:         "Category-partitioned cache with scheduled optimization pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(level).With().Timestamp().Logger()
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cache and its schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE:  run,
	}

	optimizeCmd = &cobra.Command{
		Use:       "optimize <kind>",
		Short:     "Run one optimization pipeline and report its stages",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"cache", "performance", "predictive", "full"},
		RunE:      optimize,
	}

	policiesCmd = &cobra.Command{
		Use:   "policies",
		Short: "Print the effective category policies",
		Args:  cobra.NoArgs,
		RunE:  policies,
	}
)

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(configFile)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tiers, err := ashtiers.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tiers.Close() }()

	if h := tiers.MetricsHandler(); h != nil && cfg.Telemetry.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error().Err(serr).Msg("metrics server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info().Str("addr", cfg.Telemetry.MetricsAddr).Msg("serving metrics")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func optimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// one-shot runs never fire the schedule
	cfg.Pipeline.Interval = 0

	tiers, err := ashtiers.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tiers.Close() }()

	runErr := tiers.TriggerOptimization(cmd.Context(), ashtiers.Kind(args[0]))
	for _, p := range tiers.Pipelines() {
		for _, s := range p.Stages {
			line := fmt.Sprintf("%-24s %-10s", s.ID, s.Status)
			if s.Err != "" {
				line += " " + s.Err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d/%d stages, %.0f%%\n", p.Kind, p.Status, p.Completed, p.Total, p.Progress)
	}
	return runErr
}

func policies(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Policies)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.AddCommand(runCmd, optimizeCmd, policiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
