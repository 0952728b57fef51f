// Package server exposes the engine over HTTP/JSON. Mutating endpoints
// submit commands to the engine loop; history endpoints read the
// persisted event log through the query service.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"DscEngine/internal/engine"
	"DscEngine/internal/observability"
	"DscEngine/internal/query"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server is the HTTP surface over the engine and query service.
type Server struct {
	engine  *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	timeout time.Duration
}

func New(
	eng *engine.Engine,
	queries *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		engine:  eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/collateral/deposit", s.depositCollateral)
		v1.Post("/collateral/redeem", s.redeemCollateral)
		v1.Post("/collateral/deposit-and-mint", s.depositAndMint)
		v1.Post("/collateral/redeem-for-dsc", s.redeemForDsc)
		v1.Get("/collateral/tokens", s.collateralTokens)

		v1.Post("/dsc/mint", s.mintDsc)
		v1.Post("/dsc/burn", s.burnDsc)

		v1.Post("/liquidations", s.liquidate)

		v1.Get("/accounts/{userID}", s.accountInformation)
		v1.Get("/accounts/{userID}/collateral/{asset}", s.collateralBalance)
		v1.Get("/accounts/{userID}/journal", s.journalHistory)
		v1.Get("/accounts/{userID}/events", s.eventHistory)

		v1.Get("/prices/{asset}", s.priceOf)
		v1.Get("/prices/{asset}/token-amount", s.tokenAmountOf)
		v1.Get("/integrity", s.verifyIntegrity)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	s.logger.Info().Str("addr", addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}
