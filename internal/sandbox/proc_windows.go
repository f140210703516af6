//go:build windows

package sandbox

import (
	"os/exec"

	"collabtext/collabd/internal/debug"
)

func setProcessGroup(*exec.Cmd) {}

func pauseGroup(*exec.Cmd) error { return debug.ErrUnsupported }

func interruptGroup(cmd *exec.Cmd) error { return killGroup(cmd) }

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
