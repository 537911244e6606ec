package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/archive"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
)

func (s *Server) manifest(c *gin.Context) (*archive.Manifest, bool) {
	m, err := s.reg.Manifest(c.Request.Context(), c.Param("manifestId"))
	if errors.Is(err, orchestrator.ErrManifestNotFound) {
		errorJSON(c, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return m, true
}

func (s *Server) getManifest(c *gin.Context) {
	m, ok := s.manifest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m)
}

// downloadBundle streams one bundle of a manifest with its length declared
// up front. ?part selects the bundle, 1-based.
func (s *Server) downloadBundle(c *gin.Context) {
	part := 1
	if raw := c.Query("part"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid part %q", raw))
			return
		}
		part = n
	}

	m, ok := s.manifest(c)
	if !ok {
		return
	}
	bundle, ok := m.Bundle(part)
	if !ok {
		errorJSON(c, http.StatusNotFound, fmt.Errorf("manifest %s has %d bundle(s), no part %d", m.ID, len(m.Bundles), part))
		return
	}

	r, size, err := s.reg.Archiver().Open(c.Request.Context(), bundle.Key)
	if errors.Is(err, archive.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	defer r.Close()

	s.logger.Info().
		Str("manifest_id", m.ID).
		Int("part", part).
		Int64("bytes", size).
		Msg("Streaming bundle")

	c.DataFromReader(http.StatusOK, size, "application/zip", r, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": bundle.Name}),
		"X-Bundle-Part":       strconv.Itoa(part),
		"X-Bundle-Count":      strconv.Itoa(len(m.Bundles)),
	})
}
