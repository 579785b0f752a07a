// Package httpapi exposes the batch handler over HTTP for producers that push
// Kinesis-style events instead of being polled.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/handler"
	"dedupd/internal/storage"

	"github.com/gin-gonic/gin"
)

// BatchHandler is satisfied by *handler.Handler.
type BatchHandler interface {
	Handle(context.Context, domain.Batch) domain.BatchOutcome
}

const maxBodyBytes = 6 << 20

// NewRouter wires public probes and the batch endpoint.
// Public: /healthz, /readyz
// Keyed when apiKeys is non-empty: POST /v1/batches
func NewRouter(h BatchHandler, pinger storage.Pinger, apiKeys []string, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/readyz", func(c *gin.Context) {
		if pinger == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	v1 := r.Group("/v1")
	if len(apiKeys) > 0 {
		v1.Use(apiKeyMiddleware(apiKeys))
	}
	v1.POST("/batches", func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		if len(body) > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
			return
		}
		batch, err := handler.DecodeKinesisEvent(body)
		if err != nil {
			logger.Warn("rejected batch", "err", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome := h.Handle(c.Request.Context(), batch)
		c.JSON(http.StatusOK, outcome.Response())
	})

	return r
}

func apiKeyMiddleware(keys []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if _, ok := allowed[key]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
