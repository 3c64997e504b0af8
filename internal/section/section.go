// Package section implements the internal data providers of the agent.
package section

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Warden/internal/provider"
	"github.com/shirou/gopsutil/v4/host"
)

// Header returns the section header line `<<<name>>>`
func Header(name string) string {
	return "<<<" + name + ">>>\n"
}

// CheckMK is the agent section: version and environment of the agent.
type CheckMK struct {
	Version    string
	ConfigFile string
	Folders    []string
	// Hostname overrides the detected host name
	Hostname string
}

func (CheckMK) Name() string { return "check_mk" }

func (CheckMK) Kind() provider.Kind { return provider.KindSync }

func (c CheckMK) Produce(ctx context.Context) ([]byte, int) {
	var buf bytes.Buffer
	buf.WriteString(Header(c.Name()))
	fmt.Fprintf(&buf, "Version: %s\n", c.Version)
	fmt.Fprintf(&buf, "AgentOS: %s\n", runtime.GOOS)

	hostname := c.Hostname
	info, err := host.InfoWithContext(ctx)
	if err == nil {
		if hostname == "" {
			hostname = info.Hostname
		}
		fmt.Fprintf(&buf, "OSName: %s\n", info.Platform)
		fmt.Fprintf(&buf, "OSVersion: %s\n", info.PlatformVersion)
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	fmt.Fprintf(&buf, "Hostname: %s\n", hostname)
	fmt.Fprintf(&buf, "Architecture: %s\n", runtime.GOARCH)
	if wd, err := os.Getwd(); err == nil {
		fmt.Fprintf(&buf, "WorkingDirectory: %s\n", wd)
	}
	if c.ConfigFile != "" {
		fmt.Fprintf(&buf, "ConfigFile: %s\n", c.ConfigFile)
	}
	for _, f := range c.Folders {
		fmt.Fprintf(&buf, "PluginsDirectory: %s\n", f)
	}
	return buf.Bytes(), 1
}

// Uptime reports seconds since boot.
type Uptime struct {
	// Now overrides host uptime detection, for tests
	Now func(ctx context.Context) (time.Duration, error)
}

func (Uptime) Name() string { return "uptime" }

func (Uptime) Kind() provider.Kind { return provider.KindSync }

func (u Uptime) Produce(ctx context.Context) ([]byte, int) {
	uptime := u.Now
	if uptime == nil {
		uptime = hostUptime
	}
	d, err := uptime(ctx)
	if err != nil {
		return nil, 0
	}
	return []byte(Header(u.Name()) + strconv.FormatInt(int64(d/time.Second), 10) + "\n"), 1
}

func hostUptime(ctx context.Context) (time.Duration, error) {
	secs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
