package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keshon/chiwawa/internal/config"
)

// admin returns the caller's id, or "" after answering 401 or 403.
func (s *Server) admin(c *gin.Context) string {
	uid := userID(c)
	if uid == "" {
		return ""
	}
	if !s.backend.Config().IsAdmin(uid) {
		c.AbortWithStatus(http.StatusForbidden)
		return ""
	}
	return uid
}

func (s *Server) getApp(c *gin.Context) {
	if s.admin(c) == "" {
		return
	}
	c.JSON(http.StatusOK, s.backend.Config())
}

func (s *Server) postApp(c *gin.Context) {
	uid := s.admin(c)
	if uid == "" {
		return
	}

	var next config.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if err := next.Validate(); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backend.UpdateConfig(&next); err != nil {
		s.log.Error().Err(err).Str("user", uid).Msg("failed to update config")
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("user", uid).Msg("config updated")
	c.Status(http.StatusOK)
}

// postRestart answers before the restart begins, since the restart tears
// down this server.
func (s *Server) postRestart(c *gin.Context) {
	uid := s.admin(c)
	if uid == "" {
		return
	}
	s.log.Info().Str("user", uid).Msg("restart requested")
	c.Status(http.StatusOK)
	go s.backend.Restart()
}
