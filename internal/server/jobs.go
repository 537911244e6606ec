package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
)

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	DateRangeStart   string              `json:"dateRangeStart" binding:"required"`
	DateRangeEnd     string              `json:"dateRangeEnd" binding:"required"`
	DocumentCategory string              `json:"documentCategory" binding:"required"`
	ProxyIdentity    string              `json:"proxyIdentity"`
	Credentials      session.Credentials `json:"credentials"`
}

func (r SubmitRequest) toRequest() (orchestrator.Request, error) {
	start, err := partition.ParseDate(r.DateRangeStart)
	if err != nil {
		return orchestrator.Request{}, fmt.Errorf("dateRangeStart: %w", err)
	}
	end, err := partition.ParseDate(r.DateRangeEnd)
	if err != nil {
		return orchestrator.Request{}, fmt.Errorf("dateRangeEnd: %w", err)
	}
	return orchestrator.Request{
		Category:      r.DocumentCategory,
		RangeStart:    start,
		RangeEnd:      end,
		ProxyIdentity: r.ProxyIdentity,
		Credentials:   r.Credentials,
	}, nil
}

func (s *Server) submitJob(c *gin.Context) {
	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	state, err := s.jobs.Submit(c.Request.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		errorJSON(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrRunnerStopped):
		c.Header("Retry-After", "30")
		errorJSON(c, http.StatusServiceUnavailable, err)
		return
	default:
		s.logger.Error().Err(err).Msg("Job submission failed")
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  state.JobID,
		"status": state.Status,
	})
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.reg.Store.List(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// lookup returns the job record or writes a 404.
func (s *Server) lookup(c *gin.Context) (*jobstore.JobState, bool) {
	state, err := s.reg.Store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobstore.ErrJobNotFound) {
		errorJSON(c, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return state, true
}

func (s *Server) touch(ctx context.Context, jobID string) {
	if err := s.reg.Store.Heartbeat(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat write failed")
	}
}

// getJob returns the job record. Polling a job that is still alive counts
// as a heartbeat.
func (s *Server) getJob(c *gin.Context) {
	state, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if !state.Status.IsTerminal() {
		s.touch(ctx, state.JobID)
	}
	if hb, err := s.reg.Store.LastHeartbeat(ctx, state.JobID); err == nil {
		state.LastHeartbeat = hb
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) heartbeat(c *gin.Context) {
	state, ok := s.lookup(c)
	if !ok {
		return
	}
	if state.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job already finished",
			"jobId":  state.JobID,
			"status": state.Status,
		})
		return
	}
	if err := s.reg.Store.Heartbeat(c.Request.Context(), state.JobID); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":         state.JobID,
		"status":        state.Status,
		"lastHeartbeat": time.Now(),
	})
}

// cancelJob sets the cancel flag of a live job, or with ?purge=true removes
// the record of a finished one.
func (s *Server) cancelJob(c *gin.Context) {
	state, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Query("purge") == "true" {
		if !state.Status.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "cancel the job before purging it",
				"jobId":  state.JobID,
				"status": state.Status,
			})
			return
		}
		if err := s.reg.Store.Delete(ctx, state.JobID); err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	if state.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job already finished",
			"jobId":  state.JobID,
			"status": state.Status,
		})
		return
	}
	if err := s.reg.Store.RequestCancel(ctx, state.JobID); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Str("job_id", state.JobID).Msg("Cancellation requested")
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  state.JobID,
		"status": state.Status,
	})
}

// subscribe upgrades to a websocket that pushes the job's progress.
func (s *Server) subscribe(c *gin.Context) {
	state, ok := s.lookup(c)
	if !ok {
		return
	}
	jobID := state.JobID
	heartbeat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.touch(ctx, jobID)
	}
	if !state.Status.IsTerminal() {
		heartbeat()
	}

	if err := s.hub.serve(c.Writer, c.Request, state, heartbeat); err != nil {
		// The upgrader already wrote the error response.
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Websocket upgrade failed")
	}
}
