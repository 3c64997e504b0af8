package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrNotStarted        = errors.New("process not started")
	ErrStartFailed       = errors.New("process start failed")
	ErrProcessInProgress = errors.New("process in progress")
)

// Mode is the way a process is started
type Mode int

const (
	// ModeGrouped places the process into its own process group, so it is
	// killed together with every child it spawned.
	ModeGrouped Mode = iota
	// ModeDetached starts the process in a new session. Kill targets the
	// process only and the process may outlive the runner.
	ModeDetached
	// ModeController delegates the start to a supervising helper binary.
	ModeController
)

func (m Mode) String() string {
	switch m {
	case ModeGrouped:
		return "grouped"
	case ModeDetached:
		return "detached"
	case ModeController:
		return "controller"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ControllerArg is the hidden subcommand of the controller binary which
// executes a command line on behalf of the agent.
const ControllerArg = "_exec"

// waitDelay bounds the time spent draining stdout after the process exited
// while its children still hold the pipe.
const waitDelay = 2 * time.Second

type Command struct {
	// Line is an opaque command line, executed by the system shell
	Line string
	Mode Mode
	// User is "name [password]", the password is not used on unix
	User  string
	Group string
	// Controller is the helper binary of ModeController, the running
	// executable by default
	Controller string
	Env        []string
}

type Result struct {
	Line     string
	Mode     Mode
	Pid      int
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Err      error
}

// Runner supervises exactly one child process with redirected stdout.
// The zero value is not usable, use New.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	stdout bytes.Buffer
	done   chan struct{}
	result Result
}

func New() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the command and returns its pid. It does not wait for the process.
// Returns ErrProcessInProgress when the runner already owns a process and
// ErrStartFailed wrapping the cause when the process can't be spawned.
func (r *Runner) Start(ctx context.Context, proto Command) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return 0, ErrProcessInProgress
	}

	cmd, err := command(proto)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	attr, err := sysProcAttr(proto)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	cmd.SysProcAttr = attr
	cmd.Stdout = &lockedWriter{mx: &r.mx, buf: &r.stdout}
	cmd.WaitDelay = waitDelay

	r.stdout.Reset()
	r.result = Result{
		Line:    proto.Line,
		Mode:    proto.Mode,
		Started: time.Now().UTC(),
	}
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = fmt.Errorf("%w: %w", ErrStartFailed, err)
		return 0, r.result.Err
	}

	r.cmd = cmd
	r.done = make(chan struct{})
	r.result.Pid = cmd.Process.Pid
	slog.DebugContext(ctx, "process started", "pid", r.result.Pid, "mode", proto.Mode.String())
	go r.wait(ctx, cmd, r.done)
	return r.result.Pid, nil
}

func command(proto Command) (*exec.Cmd, error) {
	if strings.TrimSpace(proto.Line) == "" {
		return nil, errors.New("empty command line")
	}
	var cmd *exec.Cmd
	if proto.Mode == ModeController {
		controller := proto.Controller
		if controller == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolving controller: %w", err)
			}
			controller = exe
		}
		cmd = exec.Command(controller, ControllerArg, "--", proto.Line)
	} else {
		cmd = shell(proto.Line)
	}
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	return cmd, nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	defer close(done)
	if r.done != done {
		// released by Close, the runner may already own another process
		return
	}
	r.result.Stopped = stopped
	r.result.Err = err
	var exitErr *exec.ExitError
	switch {
	case cmd.ProcessState != nil:
		r.result.ExitCode = cmd.ProcessState.ExitCode()
	case err != nil && !errors.As(err, &exitErr):
		slog.WarnContext(ctx, "process vanished", "pid", r.result.Pid, "error", err)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		r.result.Err = nil
	}
}

// PollOutput drains the stdout captured so far. It never blocks on the process.
func (r *Runner) PollOutput() []byte {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stdout.Len() == 0 {
		return nil
	}
	ret := bytes.Clone(r.stdout.Bytes())
	r.stdout.Reset()
	return ret
}

// HasExited reports whether the process has terminated and its exit code.
// A process which disappeared without being observed by wait is reported as
// exited with code 0.
func (r *Runner) HasExited() (bool, int) {
	r.mx.Lock()
	done, pid := r.done, r.result.Pid
	r.mx.Unlock()
	if done == nil {
		return true, 0
	}

	select {
	case <-done:
		r.mx.Lock()
		defer r.mx.Unlock()
		return true, r.result.ExitCode
	default:
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || exists {
		return false, 0
	}
	// reaped by wait, but the result is not published yet
	select {
	case <-done:
		return r.HasExited()
	case <-time.After(50 * time.Millisecond):
	}
	slog.Warn("process handle is invalid, assuming exit", "pid", pid)
	return true, 0
}

// Wait returns a channel closed once the process exits.
func (r *Runner) Wait() <-chan struct{} {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.done
}

// Kill terminates the process. SIGKILL is used when force is true, SIGTERM
// otherwise. Grouped and controller processes are killed with their group.
func (r *Runner) Kill(force bool) {
	r.mx.Lock()
	cmd, done, mode := r.cmd, r.done, r.result.Mode
	r.mx.Unlock()
	if cmd == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	if err := kill(cmd.Process, mode, force); err != nil {
		slog.Debug("kill", "pid", cmd.Process.Pid, "error", err)
	}
}

// Result returns the last process result, or a result with ErrNotStarted.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}

// Close releases the process. Running grouped and controller processes are
// killed, a running detached process is left alone. The runner may be
// started again after Close.
func (r *Runner) Close() {
	r.mx.Lock()
	cmd, done, mode := r.cmd, r.done, r.result.Mode
	r.mx.Unlock()
	if cmd == nil {
		return
	}

	select {
	case <-done:
	default:
		if mode == ModeDetached {
			break
		}
		r.Kill(true)
		<-done
	}

	r.mx.Lock()
	r.cmd = nil
	r.done = nil
	r.mx.Unlock()
}

type lockedWriter struct {
	mx  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.buf.Write(p)
}
