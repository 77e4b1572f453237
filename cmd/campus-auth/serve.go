package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/broadcast"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const linkBuffer = 16

func newServeCommand() *cobra.Command {
	var initialURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callback receiver and keep the session live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runServer(ctx, initialURL)
		},
	}
	cmd.Flags().StringVar(&initialURL, "initial-url", "", "Activation link the app was launched with")
	return cmd
}

func runServer(ctx context.Context, initialURL string) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(signalCtx, false)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	links := broadcast.NewDispatcher[string](linkBuffer)
	defer links.Close()
	received, stopLinks := links.Subscribe(signalCtx)
	defer stopLinks()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		rt.router.Run(signalCtx, initialURL, received)
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Session:        rt.manager,
		Links:          links,
		Notifications:  rt.notifications,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("callback receiver starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-routerDone
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
