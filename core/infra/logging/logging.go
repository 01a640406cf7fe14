package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	envLogFormat = "DAVLOCK_LOG_FORMAT"
	envLogLevel  = "DAVLOCK_LOG_LEVEL"
)

var (
	logFormatOnce sync.Once
	logAsJSON     bool
	logger        = log.New()
)

func configure() {
	logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	if logAsJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableQuote: true})
	}
	level := log.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)
}

// Logger returns the process logger, configured from the environment on first use.
func Logger() *log.Logger {
	logFormatOnce.Do(configure)
	return logger
}

// Debug logs a debug message with key/value fields.
func Debug(component, msg string, kv ...interface{}) {
	emit(log.DebugLevel, component, msg, kv)
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit(log.InfoLevel, component, msg, kv)
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...interface{}) {
	emit(log.WarnLevel, component, msg, kv)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit(log.ErrorLevel, component, msg, kv)
}

func emit(level log.Level, component, msg string, kv []interface{}) {
	l := Logger()
	if !l.IsLevelEnabled(level) {
		return
	}
	if logAsJSON {
		l.WithFields(fieldsOf(component, kv)).Log(level, msg)
		return
	}
	l.Log(level, fmt.Sprintf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...)))
}

func fieldsOf(component string, kv []interface{}) log.Fields {
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	fields := make(log.Fields, len(kv)/2+1)
	fields["component"] = component
	for i := 0; i < len(kv); i += 2 {
		val := kv[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields[strings.TrimSpace(toString(kv[i]))] = val
	}
	return fields
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
