package plugin

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Warden/internal/log"
)

// Entry is one managed plugin identified by its absolute path.
type Entry struct {
	shared *Shared
	key    string

	mx               sync.Mutex
	path             string // empty once removed from execution
	execType         ExecType
	async            bool
	timeout          int
	cacheAge         int
	retry            int
	user             string
	group            string
	repairInvalidUTF bool
	cmdLine          string

	data       []byte
	captured   time.Time // monotonic
	legacyTime int64     // unix seconds of captured
	failures   int
	goingOld   bool
	running    bool
	worker     *task
}

// task is the owned handle of a background worker
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// stop cancels the worker and waits for it
func (t *task) stop() {
	t.cancel()
	<-t.done
}

// NewEntry returns an idle synchronous entry with default timeout.
func NewEntry(shared *Shared, path string) *Entry {
	return &Entry{
		shared:  shared,
		key:     path,
		path:    path,
		timeout: DefaultTimeout,
	}
}

// ApplyConfiguration merges the winning rule of the entry. The entry is
// asynchronous when the rule is async or caches, a zero cache age keeps it
// synchronous. A change of the async mode resets the failure counter, the
// transition to synchronous execution also joins the worker and drops
// cached data. A change of timeout or retry resets the failure counter as
// well.
func (e *Entry) ApplyConfiguration(rule Rule, execType ExecType) {
	async := rule.Async || rule.CacheAge > 0
	cacheAge := 0
	if async && rule.CacheAge > 0 {
		cacheAge = max(rule.CacheAge, MinimumCacheAge)
	}
	runsAsync := async && cacheAge > 0

	e.mx.Lock()
	wasAsync := e.runsAsync()
	var worker *task
	if wasAsync && !runsAsync {
		worker = e.worker
		e.worker = nil
	}
	e.mx.Unlock()
	// worker must not publish once the data are dropped
	if worker != nil {
		worker.stop()
	}

	e.mx.Lock()
	defer e.mx.Unlock()

	if e.async != async || wasAsync != runsAsync {
		e.failures = 0
	}
	if wasAsync && !runsAsync {
		e.data = nil
		e.captured = time.Time{}
		e.legacyTime = 0
		e.goingOld = false
	}
	e.async = async

	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retry := rule.Retry
	if cacheAge > 0 {
		limit := cacheAge / (timeout + 1)
		if retry == 0 || retry > limit {
			retry = limit
		}
	}
	if timeout != e.timeout || retry != e.retry {
		e.failures = 0
	}

	e.execType = execType
	e.timeout = timeout
	e.cacheAge = cacheAge
	e.retry = retry
	e.user = rule.User
	e.group = rule.Group
	e.repairInvalidUTF = rule.RepairInvalidUTF
}

// removeFromExecution clears the path and joins the worker
func (e *Entry) removeFromExecution() {
	e.mx.Lock()
	e.path = ""
	worker := e.worker
	e.worker = nil
	e.mx.Unlock()
	if worker != nil {
		worker.stop()
	}
}

// SetCommandLine overrides the command line resolved by CommandLine.
func (e *Entry) SetCommandLine(line string) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.cmdLine = line
}

func (e *Entry) commandLine() string {
	if e.cmdLine != "" {
		return e.cmdLine
	}
	return CommandLine(e.path)
}

func (e *Entry) Path() string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.path
}

func (e *Entry) ExecType() ExecType {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.execType
}

// Async reports the configured mode, see RunsAsync for the effective one.
func (e *Entry) Async() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.async
}

// RunsAsync reports whether the entry is served from cache. A zero cache
// age forces synchronous semantics.
func (e *Entry) RunsAsync() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.runsAsync()
}

func (e *Entry) runsAsync() bool {
	return e.async && e.cacheAge > 0
}

func (e *Entry) Timeout() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.timeout
}

func (e *Entry) CacheAge() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.cacheAge
}

func (e *Entry) Retry() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.retry
}

func (e *Entry) User() string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.user
}

func (e *Entry) Group() string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.group
}

func (e *Entry) Failures() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.failures
}

func (e *Entry) failed() bool {
	return e.retry != 0 && e.failures > e.retry
}

// Running reports a process in flight or an active background worker.
func (e *Entry) Running() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.running || (e.worker != nil && !e.worker.finished())
}

// MarkedForRestart reports the entry is going old and waits for the
// restart sweep.
func (e *Entry) MarkedForRestart() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.goingOld
}

// CachedData returns a copy of the last stored output.
func (e *Entry) CachedData() []byte {
	e.mx.Lock()
	defer e.mx.Unlock()
	return bytes.Clone(e.data)
}

// DataAge is the time since the output was stored, zero without data.
func (e *Entry) DataAge() time.Duration {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.dataAge()
}

func (e *Entry) dataAge() time.Duration {
	if e.captured.IsZero() {
		return 0
	}
	return e.shared.now().Sub(e.captured)
}

// LegacyTime is the unix time of the stored output used in cache markers.
func (e *Entry) LegacyTime() int64 {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.legacyTime
}

// restore loads persisted output of an asynchronous entry when it is
// still within the cache age.
func (e *Entry) restore(ctx context.Context) {
	cache := e.shared.Cache
	e.mx.Lock()
	skip := cache == nil || !e.runsAsync() || len(e.data) > 0
	path, cacheAge := e.path, e.cacheAge
	e.mx.Unlock()
	if skip {
		return
	}

	data, captured, err := cache.Load(ctx, path)
	if err != nil {
		slog.WarnContext(ctx, "loading cached output", "plugin", path, "error", err)
		return
	}
	if len(data) == 0 || e.shared.now().Sub(captured) > time.Duration(cacheAge)*time.Second {
		return
	}

	e.mx.Lock()
	defer e.mx.Unlock()
	if len(e.data) > 0 {
		return
	}
	e.data = data
	e.captured = captured
	e.legacyTime = captured.Unix()
	slog.DebugContext(ctx, "cached output restored", "plugin", path, "bytes", len(data))
}

func (e *Entry) logContext(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx, slog.String("plugin", e.key))
}
