package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd/internal/fakeapi"
)

var (
	port        int
	tokenTTL    time.Duration
	quota       int
	quotaWindow time.Duration
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run an in-memory development service",
	Long: `Serves the sign-in API from memory for local development. Magic links are
printed instead of mailed and nothing survives a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		opts := []fakeapi.Option{
			fakeapi.WithLogger(logger),
			fakeapi.WithRelyingParty(cfg.RPID, cfg.RPOrigin),
			fakeapi.WithTokenTTL(tokenTTL),
			fakeapi.WithMailer(func(m fakeapi.Mail) {
				fmt.Fprintf(out, "Magic link for %s: %s\n", m.Email, m.Link)
			}),
		}
		if quota > 0 {
			opts = append(opts, fakeapi.WithQuota(quota, quotaWindow))
		}
		fake, err := fakeapi.New(opts...)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", fake)

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown when the command context is cancelled.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(out)
		fmt.Fprintf(out, "Starting development service on port %d...\n", port)

		select {
		case <-cmd.Context().Done():
			fmt.Fprintln(out, "\nShutting down...")
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
	rootCmd.AddCommand(devServerCmd)
	devServerCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	devServerCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 15*time.Minute, "Lifetime of issued access tokens")
	devServerCmd.Flags().IntVar(&quota, "quota", 0, "Requests allowed per client per window, 0 for no limit")
	devServerCmd.Flags().DurationVar(&quotaWindow, "quota-window", time.Minute, "Quota window")
}
