package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ecssync/pkg/jobs"
	"ecssync/pkg/log"
	"ecssync/pkg/scheduler"
)

// Handler serves the REST control plane of a sync process.
type Handler struct {
	manager   *jobs.Manager
	scheduler *scheduler.Scheduler
	logger    *log.Logger
}

func NewHandler(manager *jobs.Manager, sched *scheduler.Scheduler, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Handler{manager: manager, scheduler: sched, logger: logger}
}

// SetupRouter creates and configures the Gin router
func SetupRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	config.ExposeHeaders = []string{JobIDHeader, TraceIDHeader}
	router.Use(
		cors.New(config),
		ResponseLogMiddleware(h.logger),
		RequestLogMiddleware(h.logger),
	)

	router.GET("/health", h.HealthCheck)

	job := router.Group("/job")
	{
		job.PUT("", h.CreateJob)
		job.GET("", h.ListJobs)
		job.GET("/:jobId", h.GetJob)
		job.DELETE("/:jobId", h.DeleteJob)
		job.GET("/:jobId/control", h.GetJobControl)
		job.POST("/:jobId/control", h.SetJobControl)
		job.GET("/:jobId/progress", h.GetProgress)
		job.GET("/:jobId/errors.csv", h.ErrorReport)
		job.GET("/:jobId/retries.csv", h.RetryReport)
		job.GET("/:jobId/all-objects-report.csv", h.AllObjectsReport)
	}

	if h.scheduler != nil {
		schedules := router.Group("/schedules")
		{
			schedules.POST("", h.CreateSchedule)
			schedules.GET("", h.ListSchedules)
			schedules.GET("/stats", h.GetSchedulerStats)
			schedules.GET("/:id", h.GetSchedule)
			schedules.PUT("/:id", h.UpdateSchedule)
			schedules.DELETE("/:id", h.DeleteSchedule)
			schedules.POST("/:id/enable", h.EnableSchedule)
			schedules.POST("/:id/disable", h.DisableSchedule)
			schedules.POST("/:id/run", h.RunScheduleNow)
		}
	}

	return router
}
