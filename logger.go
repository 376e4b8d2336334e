package streamcb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for streamcb and the streams its encoders
// drive. By default nothing is logged. Pass nil to restore silence.
//
// Log levels used:
//   - [slog.LevelDebug]: cycle begin/end, per-operation submissions
//   - [slog.LevelInfo]: backend lifecycle (device opened, stream closed)
//   - [slog.LevelWarn]: deferred release fell back to immediate release
//
// Example:
//
//	streamcb.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	streamsMu.Lock()
	defer streamsMu.Unlock()
	for s := range streams {
		propagateLogger(s, l)
	}
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by streams that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

var (
	streamsMu sync.Mutex
	streams   = map[any]int{}
)

// trackStream hands the current logger to s and keeps it updated on later
// SetLogger calls until untrackStream.
func trackStream(s any) {
	if _, ok := s.(loggerSetter); !ok {
		return
	}
	streamsMu.Lock()
	defer streamsMu.Unlock()
	streams[s]++
	propagateLogger(s, Logger())
}

func untrackStream(s any) {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	if n, ok := streams[s]; ok {
		if n <= 1 {
			delete(streams, s)
		} else {
			streams[s] = n - 1
		}
	}
}

func propagateLogger(s any, l *slog.Logger) {
	if ls, ok := s.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
