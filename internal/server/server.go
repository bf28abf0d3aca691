// Package server exposes the ingestor's connection state over HTTP for
// liveness and readiness probes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"klined/internal/stream"
)

// StateReporter reports the current stream connection state. The stream
// ingestor satisfies it.
type StateReporter interface {
	State() stream.State
}

// NewRouter builds the probe routes against a state reporter.
func NewRouter(reporter StateReporter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state": reporter.State().String(),
		})
	})

	// Ready only while frames are actually flowing.
	router.GET("/readyz", func(c *gin.Context) {
		state := reporter.State()
		status := http.StatusOK
		if state != stream.StateStreaming {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"state": state.String(),
		})
	})

	return router
}

// Run serves the probe endpoints until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, reporter StateReporter, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(reporter),
	}

	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	logger.WithField("addr", addr).Info("health server listening")

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
