package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/engine"
	"github.com/xela07ax/threatecho/internal/infra"
)

func main() {
	// .env удобен локально; в контейнере его нет, и это не ошибка
	_ = godotenv.Load()

	var configPath string

	rootCmd := &cobra.Command{
		Use:           "threatecho",
		Short:         "ThreatEcho: threat-intel feeds -> LLM summaries -> attack map log",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run fetch loops, summarizer dispatcher and the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the events schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.InitSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema is up to date", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}

	var backlogLimit int
	backlogCmd := &cobra.Command{
		Use:   "backlog",
		Short: "Print the oldest unsummarized events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			// Очередь для просмотра бэклога не нужна
			events, err := engine.NewPipeline(store, nil).ReadBacklog(cmd.Context(), backlogLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	backlogCmd.Flags().IntVar(&backlogLimit, "limit", 50, "max events to print")

	rootCmd.AddCommand(serveCmd, migrateCmd, backlogCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "threatecho:", err)
		os.Exit(1)
	}
}

// bootstrap: конфиг, валидация и логгер. Любая ошибка здесь фатальна.
func bootstrap(path string) (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
