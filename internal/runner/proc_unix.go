//go:build unix

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func shell(line string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", line)
}

func sysProcAttr(proto Command) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{}
	if proto.Mode == ModeDetached {
		attr.Setsid = true
	} else {
		attr.Setpgid = true
	}
	cred, err := credential(proto.User, proto.Group)
	if err != nil {
		return nil, err
	}
	if cred != nil && os.Geteuid() != 0 {
		// setgroups requires CAP_SETGID
		cred.NoSetGroups = true
	}
	attr.Credential = cred
	return attr, nil
}

// credential resolves the run-as user or group. The user wins when both are
// set, the group alone keeps the uid of the agent.
func credential(userSpec, group string) (*syscall.Credential, error) {
	name, _, _ := strings.Cut(strings.TrimSpace(userSpec), " ")
	switch {
	case name != "":
		u, err := user.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("lookup user %q: %w", name, err)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse uid of %q: %w", name, err)
		}
		gid, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gid of %q: %w", name, err)
		}
		return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
	case group != "":
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, fmt.Errorf("lookup group %q: %w", group, err)
		}
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gid of %q: %w", group, err)
		}
		return &syscall.Credential{Uid: uint32(os.Getuid()), Gid: uint32(gid)}, nil
	default:
		return nil, nil
	}
}

func kill(p *os.Process, mode Mode, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if mode == ModeDetached {
		return unix.Kill(p.Pid, sig)
	}
	// negative pid addresses the process group created by Setpgid
	return unix.Kill(-p.Pid, sig)
}
