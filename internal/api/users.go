package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keshon/chiwawa/internal/preference"
	"github.com/keshon/chiwawa/internal/storage"
)

// store returns the preference store, or nil after answering 503.
func (s *Server) store(c *gin.Context) storage.Store {
	st := s.backend.Store()
	if st == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
	}
	return st
}

func (s *Server) getMe(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		return
	}
	st := s.store(c)
	if st == nil {
		return
	}

	rec, err := st.Get(c.Request.Context(), uid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = preference.Empty(uid)
	case err != nil:
		s.log.Error().Err(err).Str("user", uid).Msg("failed to load preferences")
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) postMe(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		return
	}
	st := s.store(c)
	if st == nil {
		return
	}

	var rec preference.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if err := rec.Validate(); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	rec.ID = uid

	if err := st.Set(c.Request.Context(), &rec); err != nil {
		s.log.Error().Err(err).Str("user", uid).Msg("failed to save preferences")
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteMe(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		return
	}
	st := s.store(c)
	if st == nil {
		return
	}

	if err := st.Delete(c.Request.Context(), uid); err != nil {
		s.log.Error().Err(err).Str("user", uid).Msg("failed to delete preferences")
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getUser(c *gin.Context) {
	st := s.store(c)
	if st == nil {
		return
	}

	rec, err := st.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.Status(http.StatusNotFound)
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, rec)
	}
}
