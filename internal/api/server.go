// Package api serves watcher status and stored events over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/nerve-gmail/internal/auth"
	"github.com/Martian-dev/nerve-gmail/internal/event"
	"github.com/Martian-dev/nerve-gmail/internal/eventstore/sqlite"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

// StatsSource reports watcher progress.
type StatsSource interface {
	Stats() sync.WatchStats
}

// EventReader lists stored events.
type EventReader interface {
	Events(ctx context.Context, f sqlite.EventFilter) ([]event.Event, error)
}

// Verifier authenticates API callers.
type Verifier interface {
	CallerFromRequest(r *http.Request) (*auth.Caller, error)
}

// Server wires the HTTP handlers. Events and Verifier are optional.
type Server struct {
	Stats    StatsSource
	Events   EventReader
	Verifier Verifier
	Log      *slog.Logger
}

const callerKey = "caller"

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	if s.Verifier != nil {
		authorized.Use(authMiddleware(s.Verifier))
	}
	authorized.GET("/status", s.status)
	authorized.GET("/events", s.events)
	return r
}

func (s *Server) status(c *gin.Context) {
	if s.Stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no watcher running"})
		return
	}
	c.JSON(http.StatusOK, s.Stats.Stats())
}

func (s *Server) events(c *gin.Context) {
	if s.Events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no event store configured"})
		return
	}

	filter := sqlite.EventFilter{UserID: c.Query("user")}
	if raw := c.Query("type"); raw != "" {
		typ, err := event.ParseType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Type = typ
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	events, err := s.Events.Events(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func authMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := v.CallerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
