package log

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const ginLoggerKey = "zapLogger"

type ctxLoggerKey struct{}

// Logger wraps zap with helpers for carrying per-request fields in a context.
type Logger struct {
	*zap.Logger
}

// NewLog builds the process logger from the log.* section of the config.
func NewLog(conf *viper.Viper) *Logger {
	lv := conf.GetString("log.level")
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(lv)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if conf.GetString("log.encoding") == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if file := conf.GetString("log.log_file_name"); file != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    conf.GetInt("log.max_size"),
			MaxBackups: conf.GetInt("log.max_backups"),
			MaxAge:     conf.GetInt("log.max_age"),
			Compress:   conf.GetBool("log.compress"),
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	if conf.GetString("env") == "prod" {
		return &Logger{zap.New(core, zap.AddCaller())}
	}
	return &Logger{zap.New(core, zap.Development(), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap.NewNop()}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// WithValue attaches fields to the logger stored in ctx.
func (l *Logger) WithValue(ctx context.Context, fields ...zapcore.Field) context.Context {
	if c, ok := ctx.(*gin.Context); ok {
		c.Set(ginLoggerKey, l.WithContext(c).With(fields...))
		return c
	}
	return context.WithValue(ctx, ctxLoggerKey{}, l.WithContext(ctx).With(fields...))
}

// WithContext returns the logger stored in ctx, or l itself.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if c, ok := ctx.(*gin.Context); ok {
		if v, exists := c.Get(ginLoggerKey); exists {
			if zl, ok := v.(*zap.Logger); ok {
				return &Logger{zl}
			}
		}
	}
	if zl, ok := ctx.Value(ctxLoggerKey{}).(*zap.Logger); ok {
		return &Logger{zl}
	}
	return l
}

// Named returns a child logger for a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}
