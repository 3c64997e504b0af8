package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/plugin"
	"github.com/CZERTAINLY/Warden/internal/provider"
	"github.com/CZERTAINLY/Warden/internal/section"
	"github.com/CZERTAINLY/Warden/internal/store"
	"github.com/CZERTAINLY/Warden/internal/walk"
)

// ForbiddenNames are never executed from the plugin folders
var ForbiddenNames = []string{"warden-update-agent.exe"}

const localHeader = "<<<local:sep(0)>>>"

// Info describes the running agent in the check_mk section
type Info struct {
	Version    string
	ConfigFile string
}

// Agent produces one aggregated answer per Tick. It owns the plugin and local
// tables and must be driven by a single goroutine.
type Agent struct {
	cfg     model.Config
	info    Info
	shared  *plugin.Shared
	plugins *plugin.Table
	local   *plugin.Table
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewAgent prepares the execution tables. When service.state is set, the
// output of asynchronous plugins is persisted in that sqlite file.
func NewAgent(ctx context.Context, cfg model.Config, info Info, m *metrics.Metrics) (*Agent, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d: %w", cfg.Version, model.ErrUnsupportedVersion)
	}

	shared := plugin.NewShared()
	shared.Metrics = m
	for _, g := range []*model.Group{cfg.Plugins, cfg.Local} {
		if g == nil {
			continue
		}
		shared.Detached = append(shared.Detached, g.Detached...)
		if model.Get(g.Controller) && shared.Controller == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolving controller binary: %w", err)
			}
			shared.Controller = exe
		}
	}

	a := &Agent{
		cfg:     cfg,
		info:    info,
		shared:  shared,
		metrics: m,
	}

	if state := model.Get(cfg.Service.State); state != "" {
		db, err := store.InitDB(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("opening state %s: %w", state, err)
		}
		a.db = db
		shared.Cache = store.Cache{DB: db}
	}

	a.plugins = plugin.NewTable(shared, plugin.ExecPlugin)
	a.local = plugin.NewTable(shared, plugin.ExecLocal)
	return a, nil
}

// Shared returns the state common to both tables
func (a *Agent) Shared() *plugin.Shared {
	return a.shared
}

// Tick rescans the folders, reconciles the tables and collects every
// section. Plugin failures are logged and never fail the tick.
func (a *Agent) Tick(ctx context.Context) []byte {
	ctx = log.ContextAttrs(ctx, slog.String("tick", uuid.NewString()))
	a.metrics.Tick()

	a.reconcile(ctx, a.plugins, a.cfg.Plugins)
	a.reconcile(ctx, a.local, a.cfg.Local)
	a.prune(ctx)

	out, n := provider.Collect(ctx, a.providers())

	for _, g := range []struct {
		table *plugin.Table
		cfg   *model.Group
	}{{a.plugins, a.cfg.Plugins}, {a.local, a.cfg.Local}} {
		if !asyncStart(g.cfg) {
			if started := g.table.StartMarked(ctx); started > 0 {
				slog.DebugContext(ctx, "restart sweep", "exec", g.table.ExecType().String(), "started", started)
			}
		}
	}

	slog.InfoContext(ctx, "tick done",
		"sections", n,
		"bytes", len(out),
		"plugins", a.plugins.Len(),
		"local", a.local.Len(),
		"workers", a.shared.ActiveWorkers(),
	)
	return out
}

func (a *Agent) providers() []provider.Provider {
	ret := []provider.Provider{
		section.CheckMK{
			Version:    a.info.Version,
			ConfigFile: a.info.ConfigFile,
			Folders:    folders(a.cfg.Plugins),
		},
		section.Uptime{},
	}
	if enabled(a.cfg.Plugins) {
		ret = append(ret,
			provider.PluginsSync("plugins", a.plugins, maxWait(a.cfg.Plugins)),
			provider.PluginsAsync("plugins_async", a.plugins, asyncStart(a.cfg.Plugins)),
		)
	}
	if enabled(a.cfg.Local) {
		ret = append(ret,
			withHeader(localHeader, provider.PluginsSync("local", a.local, maxWait(a.cfg.Local))),
			withHeader(localHeader, provider.PluginsAsync("local_async", a.local, asyncStart(a.cfg.Local))),
		)
	}
	return ret
}

func (a *Agent) reconcile(ctx context.Context, table *plugin.Table, g *model.Group) {
	if !enabled(g) {
		table.Reconcile(ctx, nil, nil, false)
		return
	}
	files, err := walk.Files(ctx, g.Folders, walk.Options{
		Extensions: g.Extensions,
		Forbidden:  ForbiddenNames,
	})
	if err != nil {
		slog.WarnContext(ctx, "scanning folders", "exec", table.ExecType().String(), "error", err)
	}
	table.Reconcile(ctx, files, plugin.RulesFromConfig(g.Execution), true)
}

// prune forgets persisted outputs of executables no longer in any table
func (a *Agent) prune(ctx context.Context) {
	if a.db == nil {
		return
	}
	keep := append(a.plugins.Paths(), a.local.Paths()...)
	n, err := store.Prune(ctx, a.db, keep)
	if err != nil {
		slog.WarnContext(ctx, "pruning state", "error", err)
		return
	}
	if n > 0 {
		slog.DebugContext(ctx, "pruned state", "removed", n)
	}
}

// Close joins all background workers and closes the state database
func (a *Agent) Close() error {
	a.plugins.Close()
	a.local.Close()
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

func withHeader(header string, p provider.Provider) provider.Provider {
	return provider.Func(p.Name(), p.Kind(), func(ctx context.Context) ([]byte, int) {
		data, n := p.Produce(ctx)
		if len(data) == 0 {
			return nil, 0
		}
		return append([]byte(header+"\n"), data...), n
	})
}

func enabled(g *model.Group) bool {
	return g != nil && model.GetOr(g.Enabled, true)
}

func folders(g *model.Group) []string {
	if g == nil {
		return nil
	}
	return g.Folders
}

// maxWait caps synchronous timeouts, negative means no cap
func maxWait(g *model.Group) int {
	if g == nil {
		return -1
	}
	return model.GetOr(g.MaxWait, -1)
}

func asyncStart(g *model.Group) bool {
	if g == nil {
		return true
	}
	return model.GetOr(g.AsyncStart, true)
}
