package api

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ecssync/pkg/log"
)

const (
	JobIDHeader   = "x-emc-job-id"
	TraceIDHeader = "x-trace-id"

	maxLogBody = 4096
)

// RequestLogMiddleware tags the request logger with a trace id and logs the
// request line and a truncated body.
func RequestLogMiddleware(logger *log.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		trace := uuid.NewString()
		ctx.Header(TraceIDHeader, trace)
		logger.WithValue(ctx, zap.String("trace", trace))
		logger.WithValue(ctx, zap.String("request_method", ctx.Request.Method))
		logger.WithValue(ctx, zap.String("request_url", ctx.Request.URL.String()))

		if ctx.Request.Body != nil && ctx.Request.ContentLength != 0 {
			bodyBytes, _ := ctx.GetRawData()
			ctx.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			logBody := bodyBytes
			if len(logBody) > maxLogBody {
				logBody = logBody[:maxLogBody]
			}
			logger.WithValue(ctx, zap.String("request_params", string(logBody)))
		}
		logger.WithContext(ctx).Debug("Request")
		ctx.Next()
	}
}

// ResponseLogMiddleware logs status, size and latency. Bodies are not kept
// since reports can be arbitrarily large.
func ResponseLogMiddleware(logger *log.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startTime := time.Now()
		ctx.Next()
		fields := []zap.Field{
			zap.Int("status", ctx.Writer.Status()),
			zap.Int("size", ctx.Writer.Size()),
			zap.Duration("time", time.Since(startTime)),
		}
		if len(ctx.Errors) > 0 {
			fields = append(fields, zap.String("errors", ctx.Errors.String()))
		}
		logger.WithContext(ctx).Info("Response", fields...)
	}
}
