package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/plugin"
	"github.com/CZERTAINLY/Warden/internal/runner"
	"github.com/stretchr/testify/require"
)

func TestRunSync(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, clock := newShared(t)
	dir := t.TempDir()

	t.Run("plain", func(t *testing.T) {
		path := script(t, dir, "plain.sh", `printf '<<<plain>>>\n1\n'; exit 2`)
		e := plugin.NewEntry(shared, path)
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		got := e.RunSync(t.Context(), -1)
		require.Equal(t, "<<<plain>>>\n1\n", string(got))
		require.Equal(t, got, e.CachedData())
		require.Zero(t, e.Failures())
		require.False(t, e.Running())
	})

	t.Run("cached annotation", func(t *testing.T) {
		path := script(t, dir, "cached.sh", `printf '<<<a>>>\r\n***\r\r\n<<<b>>>'`)
		e := plugin.NewEntry(shared, path)
		e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
		got := e.RunSync(t.Context(), -1)
		patch := ":cached(" + strconv.FormatInt(clock.Now().Unix(), 10) + ",300)"
		require.Equal(t, "<<<a"+patch+">>>\r\n***\r\r\n<<<b"+patch+">>>", string(got))
	})

	t.Run("utf16", func(t *testing.T) {
		path := script(t, dir, "utf16.sh", `printf '\377\376o\000k\000\n\000'`)
		e := plugin.NewEntry(shared, path)
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		require.Equal(t, "ok\n", string(e.RunSync(t.Context(), -1)))
	})

	t.Run("trailing nuls", func(t *testing.T) {
		path := script(t, dir, "nuls.sh", `printf 'data\n\000\000'`)
		e := plugin.NewEntry(shared, path)
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		require.Equal(t, "data\n", string(e.RunSync(t.Context(), -1)))
	})

	t.Run("command line override", func(t *testing.T) {
		e := plugin.NewEntry(shared, filepath.Join(dir, "virtual"))
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		e.SetCommandLine("echo overridden")
		require.Equal(t, "overridden\n", string(e.RunSync(t.Context(), -1)))
	})
}

func TestRunSyncTimeout(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, _ := newShared(t)
	path := script(t, t.TempDir(), "slow.sh", "echo partial; sleep 30")

	e := plugin.NewEntry(shared, path)
	rule := plugin.DefaultRule("*")
	rule.Retry = 3
	e.ApplyConfiguration(rule, plugin.ExecPlugin)

	start := time.Now()
	// the override caps the configured timeout
	require.Nil(t, e.RunSync(t.Context(), 1))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 1, e.Failures())
	require.False(t, e.Running())
}

func TestTooManyFailures(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, _ := newShared(t)
	var mx sync.Mutex
	fail := false
	shared.NewProcess = func() plugin.Process {
		mx.Lock()
		defer mx.Unlock()
		if fail {
			return failingProcess{}
		}
		return plugin.NewShared().NewProcess()
	}
	path := script(t, t.TempDir(), "a.sh", "echo data")

	e := plugin.NewEntry(shared, path)
	rule := plugin.DefaultRule("*")
	rule.Retry = 1
	e.ApplyConfiguration(rule, plugin.ExecPlugin)
	require.Equal(t, "data\n", string(e.RunSync(t.Context(), -1)))

	mx.Lock()
	fail = true
	mx.Unlock()
	require.Nil(t, e.RunSync(t.Context(), -1))
	require.Equal(t, 1, e.Failures())
	require.Equal(t, "data\n", string(e.CachedData()))

	require.Nil(t, e.RunSync(t.Context(), -1))
	require.Zero(t, e.Failures())
	require.Empty(t, e.CachedData())

	// counting starts again after the reset
	require.Nil(t, e.RunSync(t.Context(), -1))
	require.Equal(t, 1, e.Failures())

	// the entry stays scheduled
	mx.Lock()
	fail = false
	mx.Unlock()
	require.Equal(t, "data\n", string(e.RunSync(t.Context(), -1)))
}

func TestRunSyncShutdown(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, _ := newShared(t)
	path := script(t, t.TempDir(), "slow.sh", "sleep 30")

	e := plugin.NewEntry(shared, path)
	e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.Nil(t, e.RunSync(ctx, -1))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, e.Failures())
}

func TestDetachedUpdater(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, _ := newShared(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "finished")
	path := script(t, dir, "updater.sh", "echo updating; sleep 2; touch '"+marker+"'")
	shared.Detached = []string{"UPDATER.sh"}

	e := plugin.NewEntry(shared, path)
	rule := plugin.DefaultRule("*")
	rule.Timeout = 1
	e.ApplyConfiguration(rule, plugin.ExecPlugin)

	// output arrived before the timeout, so the run succeeds
	require.Equal(t, "updating\n", string(e.RunSync(t.Context(), -1)))
	require.Zero(t, e.Failures())

	// the detached process was not killed
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
}

func TestTriggerAsyncRefresh(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, clock := newShared(t)
	path := script(t, t.TempDir(), "inventory.sh", `printf '<<<inventory>>>\nx\n'`)

	e := plugin.NewEntry(shared, path)
	e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
	ctx := t.Context()
	t.Cleanup(e.BreakAndJoin)

	// no data, the worker starts and the call returns at once
	require.Empty(t, e.TriggerAsyncRefresh(ctx, true))
	waitIdle(t, e)
	require.Zero(t, shared.ActiveWorkers())

	first := e.CachedData()
	require.Contains(t, string(first), "<<<inventory:cached(")

	// fresh data is served, no new worker
	require.Equal(t, first, e.TriggerAsyncRefresh(ctx, true))
	require.False(t, e.Running())

	// stale within the restart lead, marked for the sweep only
	clock.Add(300*time.Second - plugin.RestartLead + time.Second)
	require.Equal(t, first, e.TriggerAsyncRefresh(ctx, false))
	require.True(t, e.MarkedForRestart())
	require.False(t, e.Running())

	require.True(t, e.StartIfMarked(ctx))
	require.False(t, e.MarkedForRestart())
	waitIdle(t, e)
	second := e.CachedData()
	require.NotEqual(t, first, second)
	require.Contains(t, string(second), ":cached("+strconv.FormatInt(clock.Now().Unix(), 10)+",300)")
	require.False(t, e.StartIfMarked(ctx))
}

func TestAsyncSingleWorker(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, _ := newShared(t)
	path := script(t, t.TempDir(), "slow.sh", "sleep 30")

	e := plugin.NewEntry(shared, path)
	e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
	for range 5 {
		require.Empty(t, e.TriggerAsyncRefresh(t.Context(), true))
	}
	require.True(t, e.Running())
	require.Equal(t, 1, shared.ActiveWorkers())

	e.BreakAndJoin()
	require.False(t, e.Running())
	require.Zero(t, shared.ActiveWorkers())
	// a stopped worker is not a failure
	require.Zero(t, e.Failures())
}

func TestAsyncWorkerFailure(t *testing.T) {
	t.Parallel()
	shared, _ := newShared(t)
	shared.NewProcess = func() plugin.Process { return failingProcess{} }

	e := plugin.NewEntry(shared, "/p/a.sh")
	e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
	require.Empty(t, e.TriggerAsyncRefresh(t.Context(), true))
	waitIdle(t, e)
	require.Equal(t, 1, e.Failures())
	e.BreakAndJoin()
}

func TestAsyncToSync(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, clock := newShared(t)
	dir := t.TempDir()
	path := script(t, dir, "a.sh", "echo data")

	e := plugin.NewEntry(shared, path)
	e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
	e.TriggerAsyncRefresh(t.Context(), true)
	waitIdle(t, e)
	require.NotEmpty(t, e.CachedData())

	// keep a worker running
	e.SetCommandLine("sleep 30")
	clock.Add(time.Hour)
	require.NotEmpty(t, e.TriggerAsyncRefresh(t.Context(), true))
	require.True(t, e.Running())

	e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
	require.False(t, e.Running())
	require.Empty(t, e.CachedData())
	require.False(t, e.RunsAsync())
	require.Zero(t, e.Failures())
	require.Zero(t, shared.ActiveWorkers())
}

type memCache struct {
	mx   sync.Mutex
	data map[string][]byte
	at   map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, at: map[string]time.Time{}}
}

func (m *memCache) Save(_ context.Context, path string, data []byte, captured time.Time) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if len(data) == 0 {
		delete(m.data, path)
		delete(m.at, path)
		return nil
	}
	m.data[path] = data
	m.at[path] = captured
	return nil
}

func (m *memCache) Load(_ context.Context, path string) ([]byte, time.Time, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.data[path], m.at[path], nil
}

func TestPersistedCache(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, clock := newShared(t)
	cache := newMemCache()
	shared.Cache = cache
	dir := t.TempDir()
	path := script(t, dir, "a.sh", `printf '<<<a>>>\n'`)
	rules := []plugin.Rule{asyncRule("*")}

	table := plugin.NewTable(shared, plugin.ExecPlugin)
	table.Reconcile(t.Context(), []string{path}, rules, true)
	table.Get(path).TriggerAsyncRefresh(t.Context(), true)
	waitIdle(t, table.Get(path))
	table.Close()
	stored := table.Get(path).CachedData()
	require.NotEmpty(t, stored)

	// a restarted agent serves the persisted data
	restarted := plugin.NewTable(shared, plugin.ExecPlugin)
	restarted.Reconcile(t.Context(), []string{path}, rules, true)
	require.Equal(t, stored, restarted.Get(path).CachedData())
	require.Equal(t, stored, restarted.Get(path).TriggerAsyncRefresh(t.Context(), false))

	// expired data is not restored
	clock.Add(time.Hour)
	expired := plugin.NewTable(shared, plugin.ExecPlugin)
	expired.Reconcile(t.Context(), []string{path}, rules, true)
	require.Empty(t, expired.Get(path).CachedData())
}

func TestAsyncWithoutCacheAge(t *testing.T) {
	t.Parallel()
	requireShell(t)
	shared, clock := newShared(t)
	dir := t.TempDir()
	path := script(t, dir, "a.sh", "echo data")

	e := plugin.NewEntry(shared, path)
	e.ApplyConfiguration(asyncRule("*"), plugin.ExecPlugin)
	e.TriggerAsyncRefresh(t.Context(), true)
	waitIdle(t, e)
	require.NotEmpty(t, e.CachedData())

	e.SetCommandLine("sleep 30")
	clock.Add(time.Hour)
	require.NotEmpty(t, e.TriggerAsyncRefresh(t.Context(), true))
	require.True(t, e.Running())

	// async flag without cache age runs synchronously
	rule := plugin.DefaultRule("*")
	rule.Async = true
	e.ApplyConfiguration(rule, plugin.ExecPlugin)
	require.False(t, e.Running())
	require.Empty(t, e.CachedData())
	require.True(t, e.Async())
	require.False(t, e.RunsAsync())
	require.Zero(t, e.CacheAge())
	require.Zero(t, shared.ActiveWorkers())

	e.SetCommandLine(path)
	require.Contains(t, string(e.RunSync(t.Context(), -1)), "data")
	require.Zero(t, shared.ActiveWorkers())
}

// undrainedProcess reports an exit status, but its output is held open
// until Kill, like a child left behind by a plugin.
type undrainedProcess struct {
	once   sync.Once
	done   chan struct{}
	killed chan struct{}
}

func newUndrainedProcess() *undrainedProcess {
	return &undrainedProcess{done: make(chan struct{}), killed: make(chan struct{})}
}

func (*undrainedProcess) Start(context.Context, runner.Command) (int, error) { return 42, nil }
func (*undrainedProcess) PollOutput() []byte { return nil }
func (*undrainedProcess) HasExited() (bool, int) { return true, 0 }
func (p *undrainedProcess) Wait() <-chan struct{} { return p.done }
func (p *undrainedProcess) Kill(bool) {
	p.once.Do(func() {
		close(p.killed)
		close(p.done)
	})
}
func (*undrainedProcess) Result() runner.Result { return runner.Result{} }
func (*undrainedProcess) Close() {}

func TestExitedButNotDrained(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		shared, _ := newShared(t)
		proc := newUndrainedProcess()
		shared.NewProcess = func() plugin.Process { return proc }

		e := plugin.NewEntry(shared, "/p/a.sh")
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		require.Nil(t, e.RunSync(t.Context(), 1))
		require.Equal(t, 1, e.Failures())
		require.False(t, e.Running())
		<-proc.killed
	})

	t.Run("shutdown", func(t *testing.T) {
		t.Parallel()
		shared, _ := newShared(t)
		proc := newUndrainedProcess()
		shared.NewProcess = func() plugin.Process { return proc }

		e := plugin.NewEntry(shared, "/p/a.sh")
		e.ApplyConfiguration(plugin.DefaultRule("*"), plugin.ExecPlugin)
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		require.Nil(t, e.RunSync(ctx, -1))
		require.Zero(t, e.Failures())
		require.False(t, e.Running())
		<-proc.killed
	})
}
