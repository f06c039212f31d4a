// Package sklog defines the logging functions (e.g. Info, Errorf, etc.)
// used throughout the codebase. The backend is zerolog writing to stderr.
package sklog

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
}

// SetLogger replaces the backing logger, e.g. to silence output in tests.
func SetLogger(l zerolog.Logger) {
	logger = l
}

// Functions to log at various levels. Debug, Info, Warning, Error, and
// Fatal use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf. Fatal* exits the program after logging.

func Debug(msg ...interface{}) {
	logger.Debug().CallerSkipFrame(1).Msg(fmt.Sprint(msg...))
}

func Debugf(format string, v ...interface{}) {
	logger.Debug().CallerSkipFrame(1).Msgf(format, v...)
}

func Info(msg ...interface{}) {
	logger.Info().CallerSkipFrame(1).Msg(fmt.Sprint(msg...))
}

func Infof(format string, v ...interface{}) {
	logger.Info().CallerSkipFrame(1).Msgf(format, v...)
}

func Warning(msg ...interface{}) {
	logger.Warn().CallerSkipFrame(1).Msg(fmt.Sprint(msg...))
}

func Warningf(format string, v ...interface{}) {
	logger.Warn().CallerSkipFrame(1).Msgf(format, v...)
}

func Error(msg ...interface{}) {
	logger.Error().CallerSkipFrame(1).Msg(fmt.Sprint(msg...))
}

func Errorf(format string, v ...interface{}) {
	logger.Error().CallerSkipFrame(1).Msgf(format, v...)
}

func Fatal(msg ...interface{}) {
	logger.Fatal().CallerSkipFrame(1).Msg(fmt.Sprint(msg...))
}

func Fatalf(format string, v ...interface{}) {
	logger.Fatal().CallerSkipFrame(1).Msgf(format, v...)
}

// Flush is a no-op retained for call-site compatibility; zerolog writes
// synchronously.
func Flush() {}
