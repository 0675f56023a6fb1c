package http

import (
	"context"
	"net/http"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the voice session as seen by the status API.
type Controller interface {
	Registry() *app.Registry
	Kick(ctx context.Context, id domain.PeerID) error
}

type statusResponse struct {
	Channel domain.ChannelID `json:"channel"`
	Joined  bool             `json:"joined"`
	Local   domain.PeerID    `json:"local"`
	Peers   []app.PeerStatus `json:"peers"`
}

func SetupRouter(cfg *config.Config, ctl Controller) *gin.Engine {
	switch cfg.Mode {
	case gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/status", func(c *gin.Context) {
		reg := ctl.Registry()
		channel, joined := reg.CurrentChannel()
		c.JSON(http.StatusOK, statusResponse{
			Channel: channel,
			Joined:  joined,
			Local:   reg.LocalPeer(),
			Peers:   reg.Snapshot(),
		})
	})

	api.GET("/peers/:id", func(c *gin.Context) {
		id := domain.PeerID(c.Param("id"))
		for _, p := range ctl.Registry().Snapshot() {
			if p.ID == id {
				c.JSON(http.StatusOK, p)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown peer"})
	})

	api.DELETE("/peers/:id", func(c *gin.Context) {
		id, err := domain.ParsePeerID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ctl.Kick(c.Request.Context(), id); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("peer", string(id)).Msg("kick failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "removing", "peer": id})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
