package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/adapters/signal"
	"github.com/classpeer/presence/internal/config"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/store"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, members store.Members) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PresenceSessions", sessionStore))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	// Pre-session "who's in the room" view; same store the coordinator
	// mutates, read-only here.
	api.GET("/sessions/:sessionId/members", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("sessionId"))
		if !sid.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		ids, err := members.List(c.Request.Context(), sid)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "membership store unavailable"})
				return
			}
			log.Error().Err(err).Str("module", "adapters.http").Str("session", string(sid)).Msg("member list")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": ids})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
