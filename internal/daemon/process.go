package daemon

import (
	"errors"
	"os/exec"
	"syscall"
)

// exitStatus translates the error from cmd.Wait into the (exitCode,
// signal) pair the mux's exit callback expects.
func exitStatus(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, ""
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return -1, status.Signal().String()
		}
		return status.ExitStatus(), ""
	}
	return exitErr.ExitCode(), ""
}
