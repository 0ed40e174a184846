package cli

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/biobank-intake/internal/http"
)

func newServeCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  "Serves the intake API, schedules the periodic mirror refresh and shuts down gracefully on SIGINT/SIGTERM.",
		Args:  cobra.NoArgs,
		RunE:  s.serve,
	}
}

func (s *state) serve(cmd *cobra.Command, _ []string) error {
	cfg := s.cfg
	gin.SetMode(cfg.GinMode)

	comps, err := s.components()
	if err != nil {
		return err
	}
	defer s.closeComponents(comps)

	if err := comps.StartRefresh(); err != nil {
		return err
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Service: comps.Service,
		Records: comps.Store,
		Ledger:  comps.Ledger,
		DB:      comps.DB,
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base", cfg.APIBasePath).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-cmd.Context().Done():
	}

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
		return err
	}
	return nil
}
