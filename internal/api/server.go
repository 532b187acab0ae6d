// Package api serves guides over HTTP.
//
// Reads return the guide's version as an ETag. Updates are the second half of
// a conversation: the client sends back the fields it changed with If-Match
// set to the version it read, and the server merges them in a fresh session.
// A stale version yields 409 Conflict; nothing is retried.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kartikbazzad/bunbase/bunlock/internal/config"
	"github.com/kartikbazzad/bunbase/bunlock/internal/conversation"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	router     *gin.Engine
	factory    *session.Factory
	coord      *conversation.Coordinator
	classifier *lockerrors.Classifier
	log        *slog.Logger
	addr       string
}

func NewServer(f *session.Factory, coord *conversation.Coordinator, cfg config.HTTPConfig, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(MetricsMiddleware())

	s := &Server{
		router:     router,
		factory:    f,
		coord:      coord,
		classifier: lockerrors.NewClassifier(),
		log:        log,
		addr:       cfg.Addr,
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := router.Group("")
	limited.Use(RateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	limited.GET("/guides", s.ListGuides)
	limited.POST("/guides", s.CreateGuide)
	limited.GET("/guides/:id", s.GetGuide)
	limited.PUT("/guides/:id", s.UpdateGuide)
	limited.DELETE("/guides/:id", s.DeleteGuide)
	limited.GET("/aggregate/:fn", s.Aggregate)
	limited.POST("/scale", s.Scale)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
