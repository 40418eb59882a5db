package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canectors/dataflow/internal/runstore"
	"github.com/canectors/dataflow/pkg/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PipelineSummary is the list view of a registered pipeline.
type PipelineSummary struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Schedule        string        `json:"schedule,omitempty"`
	SourceType      string        `json:"sourceType"`
	DestinationType string        `json:"destinationType"`
	Stages          int           `json:"stages"`
	Checkpoints     int           `json:"checkpoints"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	DryRun          bool          `json:"dryRun,omitempty"`
}

// RunList is the body of GET /runs.
type RunList struct {
	Runs  []*pipeline.PipelineRun `json:"runs"`
	Count int                     `json:"count"`
}

func (s *Server) listPipelines(c *gin.Context) {
	cfgs := s.engine.Pipelines()
	out := make([]PipelineSummary, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, PipelineSummary{
			ID:              cfg.ID,
			Name:            cfg.Name,
			Description:     cfg.Description,
			Schedule:        cfg.Schedule,
			SourceType:      cfg.Source.Type,
			DestinationType: cfg.Destination.Type,
			Stages:          len(cfg.Transformations),
			Checkpoints:     len(cfg.Checkpoints),
			Timeout:         cfg.Timeout,
			DryRun:          cfg.DryRun,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": out, "count": len(out)})
}

// startRun executes a registered pipeline synchronously. A run that was
// created answers 201 even when it failed; the run body carries the error.
func (s *Server) startRun(c *gin.Context) {
	run, err := s.engine.Start(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if run == nil {
		respondWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) listRuns(c *gin.Context) {
	filter := runstore.Filter{
		PipelineID: c.Query("pipeline"),
		Limit:      defaultListLimit,
	}

	if raw := c.Query("status"); raw != "" {
		status, err := pipeline.ParseRunStatus(raw)
		if err != nil {
			RespondWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error(),
				map[string]interface{}{"status": raw})
			return
		}
		filter.Status = status
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			RespondWithError(c, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer",
				map[string]interface{}{"limit": raw})
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}

	runs, err := s.engine.List(c.Request.Context(), filter)
	if err != nil {
		respondWithEngineError(c, err)
		return
	}
	if runs == nil {
		runs = []*pipeline.PipelineRun{}
	}
	c.JSON(http.StatusOK, RunList{Runs: runs, Count: len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// getReports returns the quality reports of a run in checkpoint order
// together with the last overall score.
func (s *Server) getReports(c *gin.Context) {
	run, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithEngineError(c, err)
		return
	}
	reports := run.Checkpoints
	if reports == nil {
		reports = []pipeline.QualityReport{}
	}
	body := gin.H{"runId": run.ID, "reports": reports}
	if last := run.LastReport(); last != nil {
		body["score"] = last.OverallScore
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) rollback(c *gin.Context) {
	run, err := s.engine.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.engine.Breakers()})
}
