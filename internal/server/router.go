package server

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"routeledger/internal/server/handlers"
	"routeledger/internal/server/middleware"
)

// NewRouter builds the sync server's HTTP surface: a health probe plus
// the bearer-authenticated push/pull pair.
func NewRouter(h *handlers.SyncHandler, tokens *TokenRepo, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	sync := r.Group("/sync")
	sync.Use(middleware.Auth(tokens))
	{
		sync.POST("/push", h.Push)
		sync.GET("/pull", h.Pull)
	}
	return r
}
