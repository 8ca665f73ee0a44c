package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ecssync/pkg/models"
	"ecssync/pkg/scheduler"
)

// ScheduleRequest represents a request to create or update a schedule
type ScheduleRequest struct {
	Name     string             `json:"name" binding:"required"`
	CronExpr string             `json:"cron_expr" binding:"required"`
	Enabled  *bool              `json:"enabled"`
	Config   *models.SyncConfig `json:"config" binding:"required"`
}

func bindSchedule(c *gin.Context) (*ScheduleRequest, bool) {
	req := &ScheduleRequest{Config: models.NewSyncConfig()}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return req, true
}

func (r *ScheduleRequest) schedule(id string) *scheduler.Schedule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &scheduler.Schedule{
		ID:       id,
		Name:     r.Name,
		CronExpr: r.CronExpr,
		Enabled:  enabled,
		Config:   r.Config,
	}
}

// CreateSchedule handles POST /schedules
// @Summary Create a new schedule
// @Description Launch a sync job from the given config on a cron schedule
// @Tags schedules
// @Accept json
// @Produce json
// @Param request body ScheduleRequest true "Schedule request"
// @Success 201 {object} scheduler.Schedule
// @Failure 400 {object} map[string]interface{}
// @Router /schedules [post]
func (h *Handler) CreateSchedule(c *gin.Context) {
	req, ok := bindSchedule(c)
	if !ok {
		return
	}

	schedule := req.schedule(uuid.New().String())
	if err := h.scheduler.AddSchedule(schedule); err != nil {
		h.respondError(c, err)
		return
	}

	created, err := h.scheduler.GetSchedule(schedule.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListSchedules handles GET /schedules
// @Summary List all schedules
// @Tags schedules
// @Produce json
// @Success 200 {array} scheduler.Schedule
// @Router /schedules [get]
func (h *Handler) ListSchedules(c *gin.Context) {
	schedules := h.scheduler.ListSchedules()
	c.JSON(http.StatusOK, gin.H{
		"schedules": schedules,
		"total":     len(schedules),
	})
}

// GetSchedule handles GET /schedules/:id
func (h *Handler) GetSchedule(c *gin.Context) {
	schedule, err := h.scheduler.GetSchedule(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// UpdateSchedule handles PUT /schedules/:id
func (h *Handler) UpdateSchedule(c *gin.Context) {
	req, ok := bindSchedule(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if _, err := h.scheduler.GetSchedule(id); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.scheduler.UpdateSchedule(req.schedule(id)); err != nil {
		h.respondError(c, err)
		return
	}

	updated, err := h.scheduler.GetSchedule(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteSchedule handles DELETE /schedules/:id
func (h *Handler) DeleteSchedule(c *gin.Context) {
	if err := h.scheduler.RemoveSchedule(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule deleted successfully"})
}

// EnableSchedule handles POST /schedules/:id/enable
func (h *Handler) EnableSchedule(c *gin.Context) {
	if err := h.scheduler.EnableSchedule(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule enabled successfully"})
}

// DisableSchedule handles POST /schedules/:id/disable
func (h *Handler) DisableSchedule(c *gin.Context) {
	if err := h.scheduler.DisableSchedule(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule disabled successfully"})
}

// RunScheduleNow handles POST /schedules/:id/run
func (h *Handler) RunScheduleNow(c *gin.Context) {
	if err := h.scheduler.RunNow(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Schedule execution started"})
}

// GetSchedulerStats handles GET /schedules/stats
func (h *Handler) GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.GetStats())
}
