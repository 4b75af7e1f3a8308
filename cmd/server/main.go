package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"arttic/config"
	"arttic/internal/mediator"

	"github.com/TypeTerrors/gonfig"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

type flags struct {
	configFile string
	envFile    string
	host       string
	port       string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "arttic-lab",
		Short:         "ArtTic-LAB: local diffusion models behind a web UI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, f); err != nil {
				log.Error("server stopped", "err", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "config/config.yaml", "config file")
	cmd.Flags().StringVar(&f.envFile, "env", ".env", "dotenv file, ignored if missing")
	cmd.Flags().StringVar(&f.host, "host", "", "listen host (overrides api.host)")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "listen port (overrides api.port)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	return cmd
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := gonfig.Load[config.Config](
		gonfig.WithConfigFile(f.configFile),
		gonfig.WithDotenv(f.envFile), // ignored if missing
		gonfig.WithStrict(),          // fail if ${VAR} has no value/default
	)
	if err != nil {
		return config.Config{}, err
	}
	if f.host != "" {
		cfg.Api.Host = f.host
	}
	if f.port != "" {
		cfg.Api.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg.WithDefaults(), nil
}

func setupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closer = rotating
	}

	log.SetDefault(log.NewWithOptions(out, log.Options{
		Prefix:          "ArtTic-LAB",
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           level,
	}))
	return closer, nil
}

// run rebuilds the app in process each time a client requests a restart.
func run(ctx context.Context, f flags) error {
	for {
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		closer, err := setupLogging(cfg.Log)
		if err != nil {
			return err
		}

		app, err := mediator.NewApp(cfg)
		if err != nil {
			closer.Close()
			return err
		}

		stopWatch := context.AfterFunc(ctx, app.Shutdown)
		err = app.Start()
		stopWatch()
		app.Shutdown()
		closer.Close()

		switch {
		case errors.Is(err, mediator.ErrRestart):
			log.Info("backend restarted")
			continue
		case ctx.Err() != nil:
			log.Info("shutting down")
			return nil
		default:
			return err
		}
	}
}
