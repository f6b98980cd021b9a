package log

import (
	"os"

	"github.com/op/go-logging"
)

const LOG_LEVEL_ENV = "VATRPC_LOG_LEVEL"

var log = logging.MustGetLogger("")
var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)
var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{module} ▶ %{message}%{color:reset}`,
)

// SetupLogging installs the process-wide backend and returns the logger for
// prefix. The level from VATRPC_LOG_LEVEL wins over defaultLogLevel.
func SetupLogging(prefix string, defaultLogLevel logging.Level, trySyslog bool) *logging.Logger {
	var backend logging.Backend
	if trySyslog {
		backend = getSyslogBackend(prefix)
	}
	if backend == nil {
		backend = logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), stderrFormat)
	}
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(LevelFromEnv(defaultLogLevel), prefix)
	leveled.SetLevel(LevelFromEnv(defaultLogLevel), "")

	logging.SetBackend(leveled)
	return logging.MustGetLogger(prefix)
}

func LevelFromEnv(defaultLogLevel logging.Level) logging.Level {
	return ParseLevel(os.Getenv(LOG_LEVEL_ENV), defaultLogLevel)
}

// ParseLevel accepts go-logging level names (CRITICAL ... DEBUG).
func ParseLevel(name string, defaultLogLevel logging.Level) logging.Level {
	switch name {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		return defaultLogLevel
	}
}

// Module returns a child logger sharing the installed backend.
func Module(name string) *logging.Logger {
	return logging.MustGetLogger(name)
}
