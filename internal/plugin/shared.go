package plugin

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/runner"
)

// DefaultDetached lists updater-class executables, always started detached
var DefaultDetached = []string{"warden-update-agent.py", "warden-agent-ctl"}

// DefaultPollInterval of the process wait loop
const DefaultPollInterval = 50 * time.Millisecond

// Process is a started child process, see runner.Runner
type Process interface {
	Start(ctx context.Context, cmd runner.Command) (int, error)
	PollOutput() []byte
	HasExited() (bool, int)
	Wait() <-chan struct{}
	Kill(force bool)
	Result() runner.Result
	Close()
}

// Persister stores the output of asynchronous entries across restarts.
// Saving empty data removes the record.
type Persister interface {
	Save(ctx context.Context, path string, data []byte, captured time.Time) error
	Load(ctx context.Context, path string) ([]byte, time.Time, error)
}

// Shared is the state common to every entry of one or more tables.
// Fields must be set before the first entry is created.
type Shared struct {
	workers atomic.Int32

	// NewProcess creates a process runner, runner.New by default
	NewProcess func() Process
	// Now is the clock, time.Now by default
	Now     func() time.Time
	Metrics *metrics.Metrics
	Cache   Persister
	// Detached file names, compared case-insensitively
	Detached []string
	// Controller delegates process start to this binary when not empty
	Controller   string
	PollInterval time.Duration
}

func NewShared() *Shared {
	return &Shared{
		NewProcess:   func() Process { return runner.New() },
		Now:          time.Now,
		Detached:     DefaultDetached,
		PollInterval: DefaultPollInterval,
	}
}

// ActiveWorkers returns the number of running background workers
func (s *Shared) ActiveWorkers() int {
	return int(s.workers.Load())
}

func (s *Shared) workerStarted() {
	s.Metrics.SetWorkers(int(s.workers.Add(1)))
}

func (s *Shared) workerStopped() {
	s.Metrics.SetWorkers(int(s.workers.Add(-1)))
}

func (s *Shared) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Shared) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Shared) newProcess() Process {
	if s.NewProcess == nil {
		return runner.New()
	}
	return s.NewProcess()
}

func (s *Shared) isDetached(path string) bool {
	name := baseName(path)
	for _, d := range s.Detached {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}
