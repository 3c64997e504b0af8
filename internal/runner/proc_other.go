//go:build !unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var errRunAsUnsupported = errors.New("run as user or group is not supported on this platform")

func shell(line string) *exec.Cmd {
	return exec.Command("cmd.exe", "/C", line)
}

func sysProcAttr(proto Command) (*syscall.SysProcAttr, error) {
	if proto.User != "" || proto.Group != "" {
		return nil, errRunAsUnsupported
	}
	return nil, nil
}

func kill(p *os.Process, _ Mode, _ bool) error {
	return p.Kill()
}
