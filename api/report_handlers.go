package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ecssync/pkg/models"
	"ecssync/pkg/state"
)

// flushEvery bounds how many rows sit in the csv writer before they hit the wire.
const flushEvery = 100

var reportHeader = []string{
	"source_id", "target_id", "is_directory", "size", "mtime", "status",
	"transfer_start", "transfer_complete", "verify_start", "verify_complete",
	"retry_count", "error_message", "is_source_deleted",
}

type reportFunc func(ctx context.Context, id int) (state.RecordIterator, error)

// ErrorReport handles GET /job/:jobId/errors.csv
func (h *Handler) ErrorReport(c *gin.Context) {
	h.streamReport(c, "errors", h.manager.ErrorReport)
}

// RetryReport handles GET /job/:jobId/retries.csv
func (h *Handler) RetryReport(c *gin.Context) {
	h.streamReport(c, "retries", h.manager.RetryReport)
}

// AllObjectsReport handles GET /job/:jobId/all-objects-report.csv
func (h *Handler) AllObjectsReport(c *gin.Context) {
	h.streamReport(c, "all-objects-report", h.manager.AllObjectsReport)
}

func (h *Handler) streamReport(c *gin.Context, name string, report reportFunc) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	it, err := report(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer it.Close()

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("job-%d-%s.csv", id, name)))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(reportHeader); err != nil {
		return
	}
	rows := 0
	for it.Next() {
		if err := w.Write(recordRow(it.Record())); err != nil {
			h.logger.WithContext(c).Warn("report aborted", zap.Int("job_id", id), zap.Error(err))
			return
		}
		if rows++; rows%flushEvery == 0 {
			w.Flush()
			c.Writer.Flush()
		}
	}
	w.Flush()
	if err := it.Err(); err != nil {
		// status line already sent; the client sees a truncated body
		h.logger.WithContext(c).Error("report query failed", zap.Int("job_id", id), zap.Error(err))
	}
}

func recordRow(r *models.SyncRecord) []string {
	return []string{
		r.SourceID,
		r.TargetID,
		strconv.FormatBool(r.IsDirectory),
		strconv.FormatInt(r.Size, 10),
		formatTime(r.Mtime),
		string(r.Status),
		formatTime(r.TransferStart),
		formatTime(r.TransferComplete),
		formatTime(r.VerifyStart),
		formatTime(r.VerifyComplete),
		strconv.Itoa(r.RetryCount),
		r.ErrorMessage,
		strconv.FormatBool(r.IsSourceDeleted),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
