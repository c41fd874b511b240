package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"wikirace-server/internal/bootstrap"
)

const releaseVersion = "1.0.0"

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "wikirace-server",
		Short:         "Real-time multiplayer WikiRace room server.",
		Args:          cobra.NoArgs,
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap.LoadConfig(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.IntP("server-port", "p", 8001, "port to listen on (env: SERVER_PORT)")
	fs.String("app-env", "development", "development or production (env: APP_ENV)")
	fs.String("log-level", "info", "logrus level (env: LOG_LEVEL)")
	fs.String("redis-addr", "", "redis address, enables the task queue and redis limiter (env: REDIS_ADDR)")
	fs.String("mirror-backend", "", "redis, sql or none (env: MIRROR_BACKEND)")
	fs.String("db-driver", "mysql", "mysql or postgres (env: DB_DRIVER)")
	fs.String("db-dsn", "", "database dsn for the sql mirror (env: DB_DSN)")
	fs.String("cors-allowed-origin", "*", "allowed CORS origin (env: CORS_ALLOWED_ORIGIN)")
	fs.String("public-base-url", "", "base url encoded in room QR codes (env: PUBLIC_BASE_URL)")
	fs.Int("max-players-per-room", 10, "room capacity (env: MAX_PLAYERS_PER_ROOM)")
	fs.Duration("countdown", 5*time.Second, "pre-race countdown (env: COUNTDOWN)")
	fs.Duration("sweep-interval", 30*time.Second, "inactivity and room cleanup interval (env: SWEEP_INTERVAL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}

func run(parent context.Context, cfg *bootstrap.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	app.Start()

	<-ctx.Done()
	logrus.Info("Shutdown signal received...")
	return app.Shutdown()
}
