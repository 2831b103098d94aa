package mare

import (
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is a thin wrapper around a logiface logger backed by stumpy's
// zero-allocation JSON writer. The package-level logger is swappable and
// defaults to a no-op.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

var globalLogger struct {
	sync.RWMutex
	logger *Logger
}

// SetLogger installs the runtime's package-level logger. Passing nil
// restores the no-op default.
func SetLogger(l *Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = l
}

func getLogger() *Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return noopLogger
}

var noopLogger = &Logger{l: stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))}

// NewLogger constructs a Logger writing newline-delimited JSON via stumpy.
// Lifecycle events (task_created, task_done, group_canceled) are logged
// unconditionally at info; high-frequency diagnostics (task_executes,
// steal attempts) are rate-limited per category via go-catrate.
func NewLogger(opts ...LogOption) *Logger {
	c := logConfig{level: logiface.LevelInformational}
	for _, o := range opts {
		o(&c)
	}
	var stumpyOpts []stumpy.Option
	if c.writer != nil {
		stumpyOpts = append(stumpyOpts, stumpy.WithWriter(c.writer))
	}
	l := stumpy.L.New(stumpy.L.WithStumpy(stumpyOpts...), stumpy.L.WithLevel(c.level))
	return &Logger{l: l}
}

// LogOption configures NewLogger.
type LogOption func(*logConfig)

type logConfig struct {
	level  logiface.Level
	writer io.Writer
}

// WithWriter directs log output to w instead of stderr.
func WithWriter(w io.Writer) LogOption {
	return func(c *logConfig) { c.writer = w }
}

// WithLevel sets the minimum enabled log level.
func WithLevel(level logiface.Level) LogOption {
	return func(c *logConfig) { c.level = level }
}

// event categories, also the rate-limiter keys.
const (
	catTaskCreated  = "task_created"
	catTaskExecutes = "task_executes"
	catTaskDone     = "task_done"
	catTaskRef      = "task_ref"
	catGroupCancel  = "group_canceled"
	catStealLoop    = "steal"
)

// diagLimiter throttles the high-frequency internal diagnostics: steal-loop
// attempts under contention can number in the thousands per second, and
// unthrottled logging of every attempt would dominate runtime.
var diagLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 20,
})

func (l *Logger) logEvent(category string, fn func(b *logiface.Builder[*stumpy.Event])) {
	if l == nil {
		l = noopLogger
	}
	b := l.l.Info().Str("event", category)
	fn(b)
	b.Log(category)
}

func (l *Logger) diag(category string, fn func(b *logiface.Builder[*stumpy.Event])) {
	if _, ok := diagLimiter.Allow(category); !ok {
		return
	}
	l.logEvent(category, fn)
}

func logTaskCreated(t *Task) {
	getLogger().logEvent(catTaskCreated, func(b *logiface.Builder[*stumpy.Event]) {
		b.Uint64("task_id", t.id)
		if t.name != "" {
			b.Str("name", t.name)
		}
	})
}

func logTaskExecutes(t *Task) {
	getLogger().diag(catTaskExecutes, func(b *logiface.Builder[*stumpy.Event]) {
		b.Uint64("task_id", t.id)
	})
}

func logTaskDone(t *Task, canceled bool) {
	getLogger().logEvent(catTaskDone, func(b *logiface.Builder[*stumpy.Event]) {
		b.Uint64("task_id", t.id)
		b.Bool("canceled", canceled)
	})
}

func logGroupCanceled(g *Group) {
	getLogger().logEvent(catGroupCancel, func(b *logiface.Builder[*stumpy.Event]) {
		if g.name != "" {
			b.Str("name", g.name)
		}
	})
}

func logSteal(workerID int, ok bool) {
	getLogger().diag(catStealLoop, func(b *logiface.Builder[*stumpy.Event]) {
		b.Int("worker", workerID)
		b.Bool("ok", ok)
	})
}
