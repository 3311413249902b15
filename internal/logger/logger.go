package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	isDevelopment = false // if running in debug mode

	logFile *os.File = nil

	// AdHocLogger is for code paths that have no component logger at hand.
	AdHocLogger zerolog.Logger

	once sync.Once

	globalLogger zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	AdHocLogger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "ad-hoc-logger").Caller().Logger()
}

// GetLogger returns the process logger, building it on first use. The
// service name of the first caller sticks.
func GetLogger(serviceName string) zerolog.Logger {
	once.Do(func() {
		if !isDevelopment {
			var out io.Writer = os.Stderr
			if logFile != nil {
				out = zerolog.MultiLevelWriter(os.Stderr, logFile)
			}
			globalLogger = zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
			return
		}

		// human-readable logs
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
			FormatLevel: func(i any) string {
				return strings.ToUpper(fmt.Sprintf("[%5s]", i))
			},
			FormatMessage: func(i any) string {
				return fmt.Sprintf("| %s |", i)
			},
			FormatCaller: func(i any) string {
				return filepath.Base(fmt.Sprintf("%s", i))
			},
			PartsExclude: []string{
				zerolog.TimestampFieldName,
			}}
		var out io.Writer = consoleWriter
		if logFile != nil {
			out = zerolog.MultiLevelWriter(consoleWriter, logFile)
		}
		globalLogger = zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Str("service", serviceName).Caller().Logger()
	})

	return globalLogger
}

// Component returns a child of the process logger tagged with name.
func Component(name string) zerolog.Logger {
	return GetLogger("telepipe").With().Str("component", name).Logger()
}

func SetDevelopment(value bool) {
	isDevelopment = value
}

func SetLogFile(file *os.File) {
	logFile = file
}
