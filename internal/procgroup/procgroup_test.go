// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminateStopsSleepingGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 2*time.Second)
	// killed by signal -> non-zero exit is expected
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTerminateNilCommand(t *testing.T) {
	assert.NoError(t, Terminate(nil, nil, time.Second))
	assert.NoError(t, Terminate(&exec.Cmd{}, nil, time.Second))
}

func TestInterruptExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	// the group is gone; both signals treat that as success
	assert.NoError(t, Interrupt(cmd))
	assert.NoError(t, ForceKill(cmd))
}

func TestSetMakesGroupLeader(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	Set(cmd)
	require.NoError(t, cmd.Start())
	defer func() {
		_ = ForceKill(cmd)
		_ = cmd.Wait()
	}()

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}
