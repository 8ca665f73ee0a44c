package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ecssync/pkg/jobs"
	"ecssync/pkg/models"
	"ecssync/pkg/scheduler"
)

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"jobs":   len(h.manager.ListJobs()),
		"time":   time.Now(),
	})
}

// respondError maps a service error onto its HTTP status.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, scheduler.ErrScheduleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidConfig), errors.Is(err, jobs.ErrInvalidControl),
		errors.Is(err, scheduler.ErrInvalidSchedule):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrTooManyJobs), errors.Is(err, jobs.ErrJobNotFinished),
		errors.Is(err, scheduler.ErrScheduleExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.WithContext(c).Error("request failed", zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func jobID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("jobId"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid job id %q", c.Param("jobId"))})
		return 0, false
	}
	return id, true
}

// CreateJob handles PUT /job
// @Summary Create and start a sync job
// @Accept json
// @Produce json
// @Param request body models.SyncConfig true "Sync config"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /job [put]
func (h *Handler) CreateJob(c *gin.Context) {
	cfg := models.NewSyncConfig()
	if err := c.ShouldBindJSON(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.manager.CreateJob(c.Request.Context(), cfg)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header(JobIDHeader, strconv.Itoa(id))
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

// ListJobs handles GET /job
func (h *Handler) ListJobs(c *gin.Context) {
	list := h.manager.ListJobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  list,
		"total": len(list),
	})
}

// GetJob handles GET /job/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	info, err := h.manager.GetJob(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteJob handles DELETE /job/:jobId?keepDatabase=bool
func (h *Handler) DeleteJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	keep := false
	if v := c.Query("keepDatabase"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "keepDatabase must be a boolean"})
			return
		}
		keep = b
	}

	if err := h.manager.DeleteJob(c.Request.Context(), id, keep); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job deleted", "job_id": id})
}

// GetJobControl handles GET /job/:jobId/control
func (h *Handler) GetJobControl(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	ctl, err := h.manager.GetJobControl(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl)
}

// SetJobControl handles POST /job/:jobId/control. Both fields are optional.
func (h *Handler) SetJobControl(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var ctl models.JobControl
	if err := c.ShouldBindJSON(&ctl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ctl.ThreadCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_count must not be negative"})
		return
	}

	if err := h.manager.SetJobControl(id, ctl); err != nil {
		h.respondError(c, err)
		return
	}
	current, err := h.manager.GetJobControl(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, current)
}

// GetProgress handles GET /job/:jobId/progress
func (h *Handler) GetProgress(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	p, err := h.manager.GetProgress(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
