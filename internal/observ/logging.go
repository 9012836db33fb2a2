package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetOutput redirects structured logs, mainly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w).Level(logger.GetLevel())
}

// SetLevel sets the minimum level (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	logMu.Lock()
	defer logMu.Unlock()
	logger = logger.Level(lvl)
	return nil
}

// Log writes one JSON line: {"level":"info","ts":...,"event":event, kv...}.
func Log(event string, kv map[string]any) {
	emit(zerolog.InfoLevel, event, kv)
}

func Debug(event string, kv map[string]any) {
	emit(zerolog.DebugLevel, event, kv)
}

func Warn(event string, kv map[string]any) {
	emit(zerolog.WarnLevel, event, kv)
}

func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	emit(zerolog.ErrorLevel, event, kv)
}

func emit(level zerolog.Level, event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	e := l.WithLevel(level)
	if e == nil {
		return
	}
	e.Str("event", event).Fields(kv).Send()
}
