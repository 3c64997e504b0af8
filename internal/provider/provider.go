// Package provider assembles the answer of one tick from data providers.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/parallel"
	"github.com/CZERTAINLY/Warden/internal/plugin"
)

// Kind tells how a provider is driven. Sync providers may block up to their
// own timeout and run concurrently, async providers return cached data
// immediately.
type Kind int

const (
	KindSync Kind = iota
	KindAsync
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Provider produces one part of the answer. Count is the number of
// producers which delivered data, plugins count one each.
type Provider interface {
	Name() string
	Kind() Kind
	Produce(ctx context.Context) (data []byte, count int)
}

// Func adapts a function to a Provider
func Func(name string, kind Kind, fn func(ctx context.Context) ([]byte, int)) Provider {
	return funcProvider{name: name, kind: kind, fn: fn}
}

type funcProvider struct {
	name string
	kind Kind
	fn   func(ctx context.Context) ([]byte, int)
}

func (f funcProvider) Name() string { return f.name }
func (f funcProvider) Kind() Kind { return f.kind }
func (f funcProvider) Produce(ctx context.Context) ([]byte, int) {
	return f.fn(ctx)
}

// PluginsSync runs synchronous entries of a table, see plugin.CollectSync.
func PluginsSync(name string, table *plugin.Table, maxTimeout int) Provider {
	return Func(name, KindSync, func(ctx context.Context) ([]byte, int) {
		return plugin.CollectSync(ctx, table, maxTimeout)
	})
}

// PluginsAsync serves asynchronous entries of a table, see plugin.CollectAsync.
func PluginsAsync(name string, table *plugin.Table, startImmediately bool) Provider {
	return Func(name, KindAsync, func(ctx context.Context) ([]byte, int) {
		return plugin.CollectAsync(ctx, table, startImmediately)
	})
}

// Collect drives every provider and concatenates the data in providers
// order. Sync providers run concurrently. Each part ends with a newline.
func Collect(ctx context.Context, providers []Provider) ([]byte, int) {
	produce := func(ctx context.Context, p Provider) result {
		if ctx.Err() != nil {
			return result{}
		}
		data, count := p.Produce(ctx)
		slog.DebugContext(ctx, "provider done", "provider", p.Name(), "kind", p.Kind().String(), "count", count, "bytes", len(data))
		return result{data: data, count: count}
	}

	var syncs []Provider
	for _, p := range providers {
		if p.Kind() == KindSync {
			syncs = append(syncs, p)
		}
	}
	syncResults := parallel.NewMap(ctx, 0, produce).Slice(syncs)

	var buf bytes.Buffer
	var total, i int
	for _, p := range providers {
		var r result
		if p.Kind() == KindSync {
			r = syncResults[i]
			i++
		} else {
			r = produce(ctx, p)
		}
		total += r.count
		if len(r.data) == 0 {
			continue
		}
		buf.Write(r.data)
		if r.data[len(r.data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), total
}

type result struct {
	data  []byte
	count int
}
