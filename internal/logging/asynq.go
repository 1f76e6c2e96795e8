package logging

import (
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

// AsynqLogger routes asynq's internal logging through zerolog.
type AsynqLogger struct{}

var _ asynq.Logger = AsynqLogger{}

func (AsynqLogger) Debug(args ...interface{}) { Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (AsynqLogger) Info(args ...interface{})  { Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (AsynqLogger) Warn(args ...interface{})  { Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (AsynqLogger) Error(args ...interface{}) { Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (AsynqLogger) Fatal(args ...interface{}) { Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }

// AsynqLevel maps a level name to asynq's log level.
func AsynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
