package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/api"
	"github.com/sbenjam1n/autoforge/internal/deploy"
	"github.com/sbenjam1n/autoforge/internal/template"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API on http.listen.

When templates.watch is set and templates.dir names a directory, template edits
are picked up without a restart. When redis.url is set, deployments that time
out are handed to an in-process reconciler through the deploy_reconcile stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Templates.Watch && cfg.Templates.Dir != "" {
			go func() {
				if err := a.lib.Watch(ctx, template.DefaultDebounce); err != nil {
					log.WithError(err).Error("template watcher stopped")
				}
			}()
		}

		if a.queue != nil {
			host, _ := os.Hostname()
			r := &deploy.Reconciler{
				Service: a.engine.Deployer,
				Queue:   a.queue,
				Name:    "serve-" + host,
				Log:     log.WithField("component", "reconciler"),
			}
			go func() {
				if err := r.Run(ctx); err != nil {
					log.WithError(err).Error("reconciler stopped")
				}
			}()
		}

		e := api.NewEcho(&api.Server{
			Engine:  a.engine,
			Catalog: a.lib,
			Health:  a.store,
			Log:     log.WithField("component", "http"),
		})
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		log.WithField("listen", cfg.HTTP.Listen).Info("autoforge ready")

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP server shutdown error")
		}
		log.Info("autoforge stopped")
		return nil
	},
}
