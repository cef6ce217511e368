// SPDX-License-Identifier: MIT

// Package procgroup spawns subprocesses as process-group leaders and kills
// the whole group. Engines fork helpers (python -> torch workers, ffmpeg ->
// demuxers); signaling only the direct child would leak the tree.
package procgroup

import (
	"os/exec"
	"time"
)

// Set configures the command to start in a new process group. Mandatory for
// Interrupt/ForceKill to reap the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Interrupt asks the command's process group to terminate (SIGTERM on unix).
// Already-exited processes are not an error.
func Interrupt(cmd *exec.Cmd) error {
	return interrupt(cmd)
}

// ForceKill kills the command's process group (SIGKILL on unix).
func ForceKill(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

// Terminate stops a process group gracefully: Interrupt, wait up to grace
// for the exit to arrive on waitCh, then ForceKill and drain. The error from
// waitCh is returned. Safe on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Interrupt(cmd)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = ForceKill(cmd)
	return <-waitCh
}
