package logging

import (
	"io"
	"os"
	"time"

	"github.com/aimerfeng/taskhub/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env, service string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("user_id", c.GetString("user_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogSelection logs the outcome of a profile selection attempt
func LogSelection(logger *zerolog.Logger, userID, jobID, profileID, outcome string, err error) {
	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.
		Str("user_id", userID).
		Str("job_id", jobID).
		Str("profile_id", profileID).
		Str("outcome", outcome).
		Msg("Profile selection")
}

// LogCompletion logs a review completion and the cooldown signals it applied
func LogCompletion(logger *zerolog.Logger, userID, profileID, taskID string, signals []string, degraded bool) {
	event := logger.Info()
	if degraded {
		event = logger.Warn()
	}
	event.
		Str("user_id", userID).
		Str("profile_id", profileID).
		Str("task_id", taskID).
		Strs("signals", signals).
		Bool("degraded", degraded).
		Msg("Review completed")
}

// LogSweep logs a maintenance sweep
func LogSweep(logger *zerolog.Logger, locksRemoved, submissionsReleased int64, took time.Duration) {
	logger.Info().
		Int64("locks_removed", locksRemoved).
		Int64("submissions_released", submissionsReleased).
		Dur("took", took).
		Msg("Lock sweep finished")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}
