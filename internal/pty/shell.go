package pty

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

type shellKind int

const (
	posixShell shellKind = iota
	bashShell
	zshShell
	fishShell
)

func kindOf(shell string) shellKind {
	name := strings.ToLower(filepath.Base(shell))
	for prefix, kind := range map[string]shellKind{"bash": bashShell, "zsh": zshShell, "fish": fishShell} {
		if strings.HasPrefix(name, prefix) {
			return kind
		}
	}
	return posixShell
}

// interactiveArgs starts an interactive, non-login shell. Bash reads only ~/.bashrc.
func interactiveArgs(shell string) []string {
	if kindOf(shell) == bashShell {
		if home, err := os.UserHomeDir(); err == nil {
			rc := filepath.Join(home, ".bashrc")
			if _, err := os.Stat(rc); err == nil {
				return []string{"--rcfile", rc}
			}
		}
	}
	return []string{"-i"}
}

// DefaultShell is $SHELL when it exists, else the first of zsh, bash, sh on PATH.
var DefaultShell = sync.OnceValue(func() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	for _, name := range []string{"zsh", "bash", "sh"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return "/bin/sh"
})
