package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Warden/internal/runner"
	"github.com/spf13/cobra"
)

// exitCodeError makes main exit with the code of the controlled process
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

var execCmd = &cobra.Command{
	Use:    runner.ControllerArg + " -- <command line>",
	Short:  "internal command: runs a plugin command line",
	Args:   cobra.MinimumNArgs(1),
	RunE:   doExec,
	Hidden: true,
}

// doExec runs the command line with inherited standard streams. Termination
// signals are forwarded to the child.
func doExec(cmd *cobra.Command, args []string) error {
	line := strings.Join(args, " ")
	var c *exec.Cmd
	if runtime.GOOS == "windows" {
		c = exec.Command("cmd.exe", "/C", line)
	} else {
		c = exec.Command("/bin/sh", "-c", line)
	}
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	if err := c.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", line, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigs:
				_ = c.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := c.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCodeError(exitErr.ExitCode())
	}
	return err
}
