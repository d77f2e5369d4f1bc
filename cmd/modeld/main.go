// modeld serves a local text-generation model over an OpenAI-compatible API.
//
// Usage:
//
//	modeld serve --config modeld.yaml
//	modeld keygen
//	modeld config
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ncecere/open_model_server/internal/app"
	"github.com/ncecere/open_model_server/internal/auth"
	"github.com/ncecere/open_model_server/internal/config"
	"github.com/ncecere/open_model_server/internal/httpserver"
	"github.com/ncecere/open_model_server/internal/logging"
	"github.com/ncecere/open_model_server/internal/redisclient"
)

func main() {
	var opts config.Options

	root := &cobra.Command{
		Use:           "modeld",
		Short:         "OpenAI-compatible server for a local text-generation model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to the config file (default ./modeld.yaml)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file loaded before the config (default ./.env)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and the argon2id hash to configure",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.NewKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:  %s\n", key.Token)
			fmt.Fprintf(out, "hash: %s\n", key.Hash)
			return nil
		},
	}

	showConfig := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redact(*cfg))
		},
	}

	root.AddCommand(serve, keygen, showConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	containerOpts := app.Options{Logger: logger}
	if cfg.Redis.Enabled() {
		redisClient, err := redisclient.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		containerOpts.Redis = redisClient
	}

	container, err := app.NewContainer(ctx, cfg, containerOpts)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if err := container.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	if cfg.Model.ModelName != "" {
		go func() {
			if err := container.Autoload(ctx); err != nil {
				logger.Error("model autoload failed", slog.String("model", cfg.Model.ModelName), slog.String("error", err.Error()))
			}
		}()
	}

	server, err := httpserver.New(container)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	logger.Info("modeld listening", slog.String("addr", cfg.Server.ListenAddr), slog.String("backend", cfg.Backend.BaseURL))
	if err := server.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func redact(cfg config.Config) config.Config {
	const hidden = "<redacted>"
	mask := func(values []string) []string {
		out := make([]string, len(values))
		for i := range values {
			out[i] = hidden
		}
		return out
	}
	cfg.Auth.APIKeys = mask(cfg.Auth.APIKeys)
	cfg.Auth.AdminKeys = mask(cfg.Auth.AdminKeys)
	if cfg.Backend.APIKey != "" {
		cfg.Backend.APIKey = hidden
	}
	if cfg.Redis.URL != "" {
		cfg.Redis.URL = hidden
	}
	return cfg
}
