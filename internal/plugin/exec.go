package plugin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/output"
	"github.com/CZERTAINLY/Warden/internal/runner"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeStartFailed
	outcomeTimeout
	outcomeStopped
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return metrics.ResultOK
	case outcomeTimeout:
		return metrics.ResultTimeout
	case outcomeStopped:
		return metrics.ResultStopped
	default:
		return metrics.ResultFailed
	}
}

// RunSync executes the plugin and waits for its end, at most for the
// configured timeout, or maxTimeout seconds when it is smaller and not
// negative. The returned output is also stored as cached data. A failure
// or timeout returns nil and counts one failure, a canceled ctx returns
// nil without counting. RunSync never retries.
func (e *Entry) RunSync(ctx context.Context, maxTimeout int) []byte {
	ctx = e.logContext(ctx)
	e.mx.Lock()
	timeout := e.timeout
	e.mx.Unlock()
	if maxTimeout >= 0 {
		timeout = min(timeout, maxTimeout)
	}

	data, res := e.execute(ctx, time.Duration(timeout)*time.Second)
	switch res {
	case outcomeOK:
		return e.storeData(ctx, data)
	case outcomeStopped:
		slog.InfoContext(ctx, "stopped")
		return nil
	default:
		e.registerFailure(ctx, res)
		return nil
	}
}

// execute runs one process cycle: start, poll output and exit status until
// the process ends, timeout elapses or ctx is canceled. A detached process
// which produced output before the timeout is left running and counts as
// success.
func (e *Entry) execute(ctx context.Context, timeout time.Duration) ([]byte, outcome) {
	e.mx.Lock()
	cmd := runner.Command{
		Line:       e.commandLine(),
		Mode:       e.startMode(),
		User:       e.user,
		Group:      e.group,
		Controller: e.shared.Controller,
	}
	execType := e.execType
	repair := e.repairInvalidUTF
	e.running = true
	e.mx.Unlock()
	defer func() {
		e.mx.Lock()
		e.running = false
		e.mx.Unlock()
	}()

	start := time.Now()
	data, res, code := e.wait(ctx, cmd, timeout)
	elapsed := time.Since(start)
	e.shared.Metrics.ObserveRun(execType.String(), res.String(), elapsed)
	if res != outcomeOK {
		return nil, res
	}

	mode := output.ModeBasic
	if repair {
		mode = output.ModeRepairByLine
	}
	data = output.StripTrailingNuls(output.NormalizeEncoding(data, mode))
	slog.DebugContext(ctx, "perf",
		"mode", cmd.Mode.String(),
		"duration", elapsed,
		"bytes", len(data),
		"exit_code", code,
	)
	return data, outcomeOK
}

func (e *Entry) wait(ctx context.Context, cmd runner.Command, timeout time.Duration) ([]byte, outcome, int) {
	proc := e.shared.newProcess()
	defer proc.Close()

	pid, err := proc.Start(ctx, cmd)
	if err != nil {
		slog.ErrorContext(ctx, "process start failed", "error", err)
		return nil, outcomeStartFailed, 0
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.shared.pollInterval())
	defer ticker.Stop()

	var buf bytes.Buffer
	// nil until the exit status is known, then closed once output is drained
	var done <-chan struct{}
	code := 0
	for {
		buf.Write(proc.PollOutput())
		if done == nil {
			if exited, c := proc.HasExited(); exited {
				done, code = proc.Wait(), c
			}
		}
		select {
		case <-done:
			buf.Write(proc.PollOutput())
			return buf.Bytes(), outcomeOK, code
		default:
		}

		select {
		case <-done:
		case <-ctx.Done():
			proc.Kill(true)
			slog.InfoContext(ctx, "process killed on shutdown", "pid", pid)
			return nil, outcomeStopped, 0
		case <-deadline.C:
			buf.Write(proc.PollOutput())
			if cmd.Mode == runner.ModeDetached && buf.Len() > 0 {
				slog.InfoContext(ctx, "detached process keeps running", "pid", pid)
				return buf.Bytes(), outcomeOK, 0
			}
			proc.Kill(true)
			slog.WarnContext(ctx, "process timed out", "pid", pid, "timeout", timeout)
			return nil, outcomeTimeout, 0
		case <-ticker.C:
		}
	}
}

func (e *Entry) startMode() runner.Mode {
	switch {
	case e.shared.isDetached(e.key):
		return runner.ModeDetached
	case e.shared.Controller != "":
		return runner.ModeController
	default:
		return runner.ModeGrouped
	}
}

// storeData publishes successful output, annotated with cache info when
// the entry caches. Returns the stored data.
func (e *Entry) storeData(ctx context.Context, data []byte) []byte {
	now := e.shared.now()
	e.mx.Lock()
	e.failures = 0
	e.captured = now
	e.legacyTime = now.Unix()
	if e.cacheAge > 0 {
		mode := output.AnnotateHeader
		if e.execType == ExecLocal {
			mode = output.AnnotateLine
		}
		patch := output.PatchString(e.legacyTime, e.cacheAge, mode)
		if annotated, ok := output.AnnotateWithCacheInfo(data, patch, mode); ok {
			data = annotated
		}
	}
	e.data = data
	persist := e.runsAsync() && e.shared.Cache != nil
	ret := bytes.Clone(data)
	e.mx.Unlock()

	if persist {
		if err := e.shared.Cache.Save(context.WithoutCancel(ctx), e.key, ret, now); err != nil {
			slog.WarnContext(ctx, "persisting cached output", "error", err)
		}
	}
	return ret
}

// registerFailure counts a failed run. Exceeding the retry limit drops the
// cached data and starts counting again.
func (e *Entry) registerFailure(ctx context.Context, res outcome) {
	e.mx.Lock()
	e.failures++
	failures, retry := e.failures, e.retry
	tooMany := e.failed()
	if tooMany {
		e.data = nil
		e.captured = time.Time{}
		e.legacyTime = 0
		e.failures = 0
	}
	persist := tooMany && e.runsAsync() && e.shared.Cache != nil
	execType := e.execType
	e.mx.Unlock()

	slog.WarnContext(ctx, "plugin failed", "reason", res.String(), "failures", failures, "retry", retry)
	if !tooMany {
		return
	}
	slog.ErrorContext(ctx, "too many failures, cached output dropped", "failures", failures, "retry", retry)
	e.shared.Metrics.ObserveRun(execType.String(), metrics.ResultTooManyFails, 0)
	if persist {
		if err := e.shared.Cache.Save(context.WithoutCancel(ctx), e.key, nil, time.Time{}); err != nil {
			slog.WarnContext(ctx, "removing cached output", "error", err)
		}
	}
}

// TriggerAsyncRefresh returns a copy of the cached data without blocking.
// When no worker is active and the data is missing or stale within
// RestartLead, a worker is started if startImmediately is set, otherwise
// the entry is marked for the restart sweep. ctx governs the worker.
func (e *Entry) TriggerAsyncRefresh(ctx context.Context, startImmediately bool) []byte {
	e.mx.Lock()
	defer e.mx.Unlock()
	ret := bytes.Clone(e.data)

	if e.worker != nil && !e.worker.finished() {
		return ret
	}
	e.worker = nil
	if !e.refreshNeeded() {
		return ret
	}
	if startImmediately {
		e.goingOld = false
		e.startWorker(ctx)
	} else {
		e.goingOld = true
	}
	return ret
}

func (e *Entry) refreshNeeded() bool {
	if len(e.data) == 0 {
		return true
	}
	return e.dataAge()+RestartLead > time.Duration(e.cacheAge)*time.Second
}

// StartIfMarked starts the worker of an entry marked going old, reports
// whether it did.
func (e *Entry) StartIfMarked(ctx context.Context) bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.goingOld || e.path == "" {
		return false
	}
	if e.worker != nil && !e.worker.finished() {
		return false
	}
	e.goingOld = false
	e.startWorker(ctx)
	return true
}

// startWorker must be called with e.mx held
func (e *Entry) startWorker(ctx context.Context) {
	wctx, cancel := context.WithCancel(e.logContext(ctx))
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.worker = t
	e.shared.workerStarted()
	go e.work(wctx, t)
}

// work is one execution cycle of the background worker. Failures of a
// detached process are not counted.
func (e *Entry) work(ctx context.Context, t *task) {
	defer close(t.done)
	defer e.shared.workerStopped()
	defer t.cancel()

	e.mx.Lock()
	timeout := time.Duration(e.timeout) * time.Second
	detached := e.startMode() == runner.ModeDetached
	e.mx.Unlock()

	data, res := e.execute(ctx, timeout)
	switch {
	case res == outcomeOK:
		e.storeData(ctx, data)
	case res == outcomeStopped || errors.Is(ctx.Err(), context.Canceled):
		slog.InfoContext(ctx, "worker stopped")
	case detached:
		slog.WarnContext(ctx, "detached process failed", "reason", res.String())
	default:
		e.registerFailure(ctx, res)
	}
}

// BreakAndJoin stops the background worker and waits for it. It is safe
// to call without a worker. Must not be called with the entry lock held.
func (e *Entry) BreakAndJoin() {
	e.mx.Lock()
	worker := e.worker
	e.worker = nil
	e.mx.Unlock()
	if worker != nil {
		worker.stop()
	}
}
