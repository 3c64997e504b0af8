package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Ticker produces one aggregated agent answer, see Agent
type Ticker interface {
	Tick(ctx context.Context) []byte
}

type Supervisor struct {
	start     chan struct{}
	ticker    Ticker
	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler
}

func NewSupervisor(ctx context.Context, cfg model.Service, ticker Ticker) (*Supervisor, error) {
	uploaders, err := uploaders(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	supervisor := &Supervisor{
		start:     make(chan struct{}, 1),
		ticker:    ticker,
		uploaders: uploaders,
		oneshot:   cfg.Mode == model.ServiceModeManual,
	}
	if cfg.Mode == model.ServiceModeTimer {
		supervisor.scheduler, err = newScheduler(ctx, cfg.Schedule, supervisor.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return supervisor, nil
}

// WithUploaders replaces the uploaders of an initialized Supervisor.
// This method exists for a unit testing only.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Start requests a tick. It never blocks, a request arriving while another
// one is pending is merged with it.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop. Every start request runs one tick and
// hands its output to the uploaders.
//
// In manual (oneshot) mode a single tick is run and its upload error is
// returned. Otherwise upload errors are logged and the loop runs until ctx is
// cancelled, which returns nil.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer s.closeUploaders(ctx)

	if s.oneshot {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			out := s.ticker.Tick(ctx)
			if ctx.Err() != nil {
				return nil
			}
			err := s.upload(ctx, out)
			if s.oneshot {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "upload failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) upload(ctx context.Context, out []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, model.ErrNoSchedule
	}
	cfg := *cfgp
	d, err := cfg.Interval()
	if err != nil {
		return nil, err
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
	} else {
		job = gocron.DurationJob(d)
	}
	slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "duration", cfg.Duration, "interval", d.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	dir := model.Get(cfg.Dir)
	repo := cfg.Repository != nil && model.GetOr(cfg.Repository.Enabled, true)
	if dir == "" && !repo {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []model.Uploader
	if dir != "" {
		u, err := NewOSRootUploader(dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if repo {
		u, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader stores every answer as a new file in a directory
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "warden-" + u.now().Format("2006-01-02-15-04-05.000") + ".txt"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating agent output: %w", err)
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving agent output: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing agent output: %w", err)
	}
	slog.InfoContext(ctx, "agent output saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
