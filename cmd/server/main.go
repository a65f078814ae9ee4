package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"pairchat/internal/config"
)

var logger = loggo.GetLogger("pairchat.server")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, addr string

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if err := loggo.ConfigureLoggers("<root>=" + cfg.Log.Level); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes for the configured stores, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			a.Close()
			logger.Infof("✅ Schema initialized")
			return nil
		},
	}

	root := &cobra.Command{
		Use:           "pairchat",
		Short:         "One-to-one real-time chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&addr, "addr", "", "http service address (overrides config)")
	root.AddCommand(serve, migrate)
	return root
}

func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("🚀 Server starting on %s", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
