//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups or SIGINT delivery to console-less children; everything is a kill.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	return p.Kill()
}
