package provider_test

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Warden/internal/plugin"
	"github.com/CZERTAINLY/Warden/internal/provider"
	"github.com/stretchr/testify/require"
)

func sleeper(name string, d time.Duration, out string) provider.Provider {
	return provider.Func(name, provider.KindSync, func(ctx context.Context) ([]byte, int) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, 0
		}
		if out == "" {
			return nil, 0
		}
		return []byte(out), 1
	})
}

func TestCollect(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		cached := provider.Func("cached", provider.KindAsync, func(context.Context) ([]byte, int) {
			return []byte("<<<cached:cached(1,120)>>>\n"), 1
		})
		providers := []provider.Provider{
			sleeper("slow", 3*time.Second, "<<<slow>>>"),
			cached,
			sleeper("empty", time.Second, ""),
			sleeper("fast", time.Second, "<<<fast>>>\n"),
		}
		start := time.Now()
		got, n := provider.Collect(t.Context(), providers)
		require.Equal(t, 3*time.Second, time.Since(start))
		require.Equal(t, "<<<slow>>>\n<<<cached:cached(1,120)>>>\n<<<fast>>>\n", string(got))
		require.Equal(t, 3, n)
	})
}

func TestCollectCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	got, n := provider.Collect(ctx, []provider.Provider{sleeper("slow", time.Hour, "x")})
	require.Empty(t, got)
	require.Zero(t, n)
}

func TestKind(t *testing.T) {
	t.Parallel()
	require.Equal(t, "sync", provider.KindSync.String())
	require.Equal(t, "async", provider.KindAsync.String())

	table := plugin.NewTable(plugin.NewShared(), plugin.ExecPlugin)
	require.Equal(t, provider.KindSync, provider.PluginsSync("plugins", table, -1).Kind())
	p := provider.PluginsAsync("plugins-async", table, true)
	require.Equal(t, provider.KindAsync, p.Kind())
	require.Equal(t, "plugins-async", p.Name())
	got, n := p.Produce(t.Context())
	require.Empty(t, got)
	require.Zero(t, n)
}
