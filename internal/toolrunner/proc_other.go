//go:build !unix

package toolrunner

import "os/exec"

// Without process groups only the direct child is killed on cancel.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
