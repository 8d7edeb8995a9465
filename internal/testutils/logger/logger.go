package logger

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/vibeswap/vibeswap/logger"
)

// NOP returns a logger which doesn't log (ie /dev/null).
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(100)}))
}

// New returns a debug level logger which logs through t.Log.
func New(t *testing.T) *slog.Logger {
	return NewLvl(t, slog.LevelDebug)
}

func NewLvl(t *testing.T, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(
		&testWriter{t: t},
		&slog.HandlerOptions{Level: level},
	))
}

/*
LoggerBuilder returns a logger factory for tests - the configuration
argument is ignored, the test logger is returned.
*/
func LoggerBuilder(t *testing.T) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) {
		return New(t), nil
	}
}

type testWriter struct {
	m sync.Mutex
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()
	// trailing newline is added by t.Log
	if n := len(p); n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	w.t.Log(string(p))
	return len(p), nil
}
