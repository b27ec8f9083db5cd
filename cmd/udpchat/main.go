package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agonych/udp-chat/internal/config"
	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/logging"
	"github.com/agonych/udp-chat/internal/server"
	"github.com/agonych/udp-chat/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "udpchat",
		Short:         "Secure UDP group-chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML/JSON config file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "init_db",
		Short: "Create or update the database schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.DBURL)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(); err != nil {
				return err
			}
			fmt.Println("schema is up to date")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run the server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "udpchat: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() // best-effort flush

	keys, err := crypto.LoadOrCreateKeys(cfg.KeyDir, cfg.KeyPass)
	if err != nil {
		return fmt.Errorf("load server keys: %w", err)
	}
	logger.Info("server identity loaded", zap.String("fingerprint", keys.Fingerprint))

	st, err := store.Open(cfg.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger, st, keys)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
