package plugin_test

import (
	"testing"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/plugin"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		pattern string
		path    string
		then    bool
	}{
		{"*", "/usr/lib/warden/plugins/a.sh", true},
		{"*.sh", "/usr/lib/warden/plugins/a.sh", true},
		{"*.SH", "/usr/lib/warden/plugins/a.sh", true},
		{"*.cmd", "/usr/lib/warden/plugins/a.sh", false},
		{"a.*", `c:\plugins\A.exe`, true},
		{"plugins/*", "/usr/lib/warden/plugins/a.sh", false},
		{"/usr/lib/warden/plugins/*", "/usr/lib/warden/plugins/a.sh", true},
		{"/usr/lib/warden/*", "/usr/lib/warden/plugins/a.sh", false},
		{"/usr/**/a.sh", "/usr/lib/warden/plugins/a.sh", true},
		{`C:\Plugins\*.exe`, `c:\plugins\x.EXE`, true},
		{`c:\other\*.exe`, `c:\plugins\x.exe`, false},
		{"mk_?nventory.sh", "/p/mk_inventory.sh", true},
	}
	for _, tt := range testCases {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			require.Equal(t, tt.then, plugin.Match(tt.pattern, tt.path))
		})
	}
}

func TestIsAbsolutePattern(t *testing.T) {
	t.Parallel()
	require.True(t, plugin.IsAbsolutePattern("/opt/*"))
	require.True(t, plugin.IsAbsolutePattern(`C:\plugins\*`))
	require.True(t, plugin.IsAbsolutePattern("d:/plugins/*"))
	require.True(t, plugin.IsAbsolutePattern(`\\server\share\*`))
	require.False(t, plugin.IsAbsolutePattern("*.sh"))
	require.False(t, plugin.IsAbsolutePattern("1:/x"))
	require.False(t, plugin.IsAbsolutePattern("c:"))
}

func TestCommandLine(t *testing.T) {
	t.Parallel()
	require.Equal(t, "python3 '/p/mk_logwatch.py'", plugin.CommandLine("/p/mk_logwatch.py"))
	require.Equal(t, "sh '/p/a b.sh'", plugin.CommandLine("/p/a b.sh"))
	require.Equal(t, "pwsh -NoLogo -NonInteractive -File '/p/x.PS1'", plugin.CommandLine("/p/x.PS1"))
	require.Equal(t, `'/p/it'\''s'`, plugin.CommandLine("/p/it's"))
}

func TestRulesFromConfig(t *testing.T) {
	t.Parallel()
	f := false
	tout, age, retry := 30, 600, 3
	user := "nobody"
	rules := plugin.RulesFromConfig([]model.ExecutionRule{
		{Pattern: "*.cmd", Run: &f},
		{Pattern: "*", Timeout: &tout, CacheAge: &age, Retry: &retry, User: &user},
	})
	require.Equal(t, []plugin.Rule{
		{Pattern: "*.cmd", Run: false, Timeout: plugin.DefaultTimeout},
		{Pattern: "*", Run: true, Timeout: 30, CacheAge: 600, Retry: 3, User: "nobody"},
	}, rules)
}
