package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beamlab/gpuhub/internal/config"
	"github.com/beamlab/gpuhub/internal/server"
	"github.com/beamlab/gpuhub/internal/store"
	"github.com/beamlab/gpuhub/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "gpuhub",
		Short:   "GPU job dispatch hub",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default :8000)")
	cmd.Flags().String("redis-host", "", "Redis host (default localhost)")
	cmd.Flags().Int("redis-port", 0, "Redis port (default 6379)")
	cmd.Flags().String("config-dir", ".", "Directory to search for gpuhub.yaml|yml|toml|json")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")

	cfg, configFile, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags beat file and env when set.
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if host, _ := cmd.Flags().GetString("redis-host"); host != "" {
		cfg.Redis.Host = host
	}
	if port, _ := cmd.Flags().GetInt("redis-port"); port != 0 {
		cfg.Redis.Port = port
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(log)
	if configFile != "" {
		log.Info("loaded config file", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to redis", "addr", cfg.Redis.Addr(), "db", cfg.Redis.DB)
	st := store.New(store.Options{
		Addr:     cfg.Redis.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	}, log.With("component", "store"))
	defer st.Close()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Init(initCtx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	srv := server.New(cfg, st, log)
	return srv.Run(ctx)
}
