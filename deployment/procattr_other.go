//go:build !unix

package deployment

import (
	"os"
	"os/exec"
	"time"
)

func configureTermination(cmd *exec.Cmd, grace time.Duration) {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	cmd.WaitDelay = grace
}

func killProcessGroup(*exec.Cmd) {}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
