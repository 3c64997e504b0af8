package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Run implements CLI run command
func Run(ctx context.Context, cfg model.Config, info Info) error {
	var m *metrics.Metrics
	if cfg.Service.Metrics != nil {
		m = metrics.New()
		stop, err := serveMetrics(ctx, cfg.Service.Metrics.Address, m)
		if err != nil {
			return err
		}
		defer stop()
	}

	agent, err := NewAgent(ctx, cfg, info, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.ErrorContext(ctx, "closing agent", "error", err)
		}
	}()

	supervisor, err := NewSupervisor(ctx, cfg.Service, agent)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

// Collect runs a single tick and writes the answer to w
func Collect(ctx context.Context, cfg model.Config, info Info, w io.Writer) error {
	agent, err := NewAgent(ctx, cfg, info, nil)
	if err != nil {
		return err
	}
	out := agent.Tick(ctx)
	if _, err := w.Write(out); err != nil {
		_ = agent.Close()
		return err
	}
	return agent.Close()
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("serving metrics on %s: %w", addr, err)
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "serving metrics", "address", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "shutting down metrics server", "error", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server", "error", err)
		}
	}, nil
}
