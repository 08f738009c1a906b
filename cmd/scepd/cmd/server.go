package cmd

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/scepd/api"
	"github.com/jmcleod/scepd/ca"
)

var (
	listenAddr string
	challenge  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the SCEP CA server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if challenge != "" {
			cfg.Challenge = challenge
		}

		stack, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer stack.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		engine := ca.NewEngine(
			stack.ident,
			stack.serials,
			stack.ledger,
			stack.registry,
			ca.NewStaticChallenge(cfg.Challenge),
			cfg.CertValidityDays,
			ca.WithLogger(logger),
		)

		a := api.New(engine, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Mount("/", a.Router())

		// SCEP messages carry their own signing and encryption; the
		// endpoint itself is conventionally served over plain HTTP.
		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("scepd started",
			"addr", cfg.ListenAddr,
			"root_dir", cfg.RootDir,
			"subject", stack.ident.SubjectString(),
			"next_serial", stack.serials.Current()+1)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config)")
	serverCmd.Flags().StringVar(&challenge, "challenge", "", "Static enrollment challenge (overrides config)")
}
