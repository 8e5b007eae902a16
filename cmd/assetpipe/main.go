// assetpipe builds a folder of source assets into an output folder.
//
// It runs once by default. With --watch it keeps rebuilding whatever
// changed until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetpipe/internal/builder"
	"github.com/fruitsalade/assetpipe/internal/config"
	"github.com/fruitsalade/assetpipe/internal/events"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
	"github.com/fruitsalade/assetpipe/internal/plugins"
)

var (
	cfgFile  string
	watch    bool
	strict   bool
	logLevel string
	quiet    bool
)

var rootCmd = &cobra.Command{
	Use:           "assetpipe",
	Short:         "Incremental asset build pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the built-in plugins",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range plugins.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./"+config.DefaultFile+" when present)")
	rootCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep rebuilding on changes until interrupted")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when any asset fails")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print build progress")
	rootCmd.AddCommand(pluginsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "assetpipe:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("strict") {
		cfg.Strict = strict
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()
	if logLevel != "" {
		logging.SetLevel(logLevel)
	}

	logging.Info("assetpipe starting",
		zap.String("entry", cfg.Entry),
		zap.String("output", cfg.Output),
		zap.String("config", cfg.File),
		zap.Bool("watch", watch))

	pls, err := plugins.Resolve(cfg.Plugins)
	if err != nil {
		return err
	}

	b, err := builder.New(cfg, pls)
	if err != nil {
		return err
	}
	defer b.Close()

	names := make([]string, 0, len(pls))
	for _, pl := range b.Pipeline().Plugins() {
		names = append(names, pl.Name())
	}
	logging.Debug("plugins resolved", zap.Strings("plugins", names))

	if !quiet {
		b.Console(cmd.OutOrStdout())
	}
	b.Subscribe(events.LogSink(logging.L().Named("build")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !watch {
		res, err := b.Run(ctx)
		if err != nil {
			return err
		}
		return res.Err
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	results, err := b.Watch(ctx)
	if err != nil {
		return err
	}
	for res := range results {
		if res.Err != nil {
			logging.Error("build failed", zap.Error(res.Err))
		}
	}
	logging.Info("shutting down...")
	return nil
}
