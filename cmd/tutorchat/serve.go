package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"TutorChat/internal/web"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := wireApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			server, err := web.NewServer(a.tutor, a.logger)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("http server listening", "addr", srv.Addr)
				fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.logger.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().String("listen", ":8501", "address to listen on")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}
