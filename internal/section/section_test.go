package section_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/provider"
	"github.com/CZERTAINLY/Warden/internal/section"
	"github.com/stretchr/testify/require"
)

var (
	_ provider.Provider = section.CheckMK{}
	_ provider.Provider = section.Uptime{}
)

func TestCheckMK(t *testing.T) {
	t.Parallel()
	p := section.CheckMK{
		Version:    "1.2.3",
		ConfigFile: "/etc/warden/warden.yaml",
		Folders:    []string{"/usr/lib/warden/plugins"},
		Hostname:   "probe",
	}
	got, n := p.Produce(t.Context())
	require.Equal(t, 1, n)
	lines := strings.Split(string(got), "\n")
	require.Equal(t, "<<<check_mk>>>", lines[0])
	require.Equal(t, "Version: 1.2.3", lines[1])
	require.Equal(t, "AgentOS: "+runtime.GOOS, lines[2])
	require.Contains(t, lines, "Hostname: probe")
	require.Contains(t, lines, "ConfigFile: /etc/warden/warden.yaml")
	require.Contains(t, lines, "PluginsDirectory: /usr/lib/warden/plugins")
	require.True(t, strings.HasSuffix(string(got), "\n"))
}

func TestUptime(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    func(context.Context) (time.Duration, error)
		then     string
	}{
		{"seconds", func(context.Context) (time.Duration, error) { return 90*time.Second + 500*time.Millisecond, nil }, "<<<uptime>>>\n90\n"},
		{"error", func(context.Context) (time.Duration, error) { return 0, errors.New("no uptime") }, ""},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			got, _ := section.Uptime{Now: tt.given}.Produce(t.Context())
			require.Equal(t, tt.then, string(got))
		})
	}

	t.Run("host", func(t *testing.T) {
		got, n := section.Uptime{}.Produce(t.Context())
		if n == 0 {
			t.Skip("skipped, uptime not available")
		}
		require.True(t, strings.HasPrefix(string(got), "<<<uptime>>>\n"))
	})
}
