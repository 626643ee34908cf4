package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthFunc reports whether the engine is serving current data
type HealthFunc func() (synced bool, lastBlock uint64)

// Server exposes /metrics and /healthz
type Server struct {
	httpServer *http.Server
}

// NewServer builds the ops HTTP server
func NewServer(listen string, gatherer prometheus.Gatherer, health HealthFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		httpServer: &http.Server{
			Addr:    listen,
			Handler: Router(gatherer, health),
		},
	}
}

// Router returns the gin engine serving the ops endpoints
func Router(gatherer prometheus.Gatherer, health HealthFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		synced, block := health()
		status := http.StatusOK
		if !synced {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"synced": synced, "block": block})
	})
	return router
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.httpServer.Addr).Msg("Metrics server started")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("Metrics server stopped")
		return nil
	}
}
