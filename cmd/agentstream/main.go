// Command agentstream runs the streaming agent backend: a WebSocket gateway
// in front of the reasoning loop, configured from a YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentstream"
	"github.com/hupe1980/agentstream/config"
	"github.com/hupe1980/agentstream/logging"
	"github.com/hupe1980/agentstream/model"
	"github.com/hupe1980/agentstream/model/anthropic"
	"github.com/hupe1980/agentstream/model/openai"
	"github.com/hupe1980/agentstream/store"
	"github.com/hupe1980/agentstream/tool"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentstream",
		Short:         "Streaming agent backend with an exactly-ordered session protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.NewJSONLogger(os.Stdout, parseLevel(cfg.LogLevel))

	blocks, err := newStore(cfg.Store)
	if err != nil {
		return err
	}

	provider, err := newProvider(cfg.Provider)
	if err != nil {
		return err
	}

	app := agentstream.New(provider, func(o *agentstream.Options) {
		o.Store = blocks
		o.Instructions = cfg.Agent.Instructions
		o.MaxIterations = cfg.Agent.MaxIterations
		o.ToolTimeout = cfg.Agent.ToolTimeout
		o.MaxTokens = cfg.Provider.MaxTokens
		o.CoalesceInterval = cfg.Stream.CoalesceInterval
		o.Logger = logger
	})

	if cfg.Agent.EnableBash {
		if err := app.RegisterTool(tool.NewBashTool(&tool.LocalSandbox{})); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", app.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listen", "addr", cfg.Listen, "provider", cfg.Provider.Name, "store", cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newStore(cfg config.StoreConfig) (store.BlockStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Path)
	default:
		return store.NewMemory(), nil
	}
}

func newProvider(cfg config.ProviderConfig) (model.Provider, error) {
	switch cfg.Name {
	case "openai":
		return openai.New(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		}), nil
	case "scripted":
		return model.NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
