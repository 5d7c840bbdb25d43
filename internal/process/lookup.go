package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// extraDirs are install locations often missing from PATH when the app is launched
// from a desktop launcher instead of a shell.
func extraDirs() []string {
	home := os.Getenv("HOME")
	return []string{
		"/opt/homebrew/bin",
		"/opt/homebrew/sbin",
		"/usr/local/bin",
		"/usr/local/sbin",
		filepath.Join(home, ".local/bin"),
		filepath.Join(home, ".cargo/bin"),
		filepath.Join(home, ".npm-global/bin"),
		filepath.Join(home, "go/bin"),
	}
}

// LookPath resolves name from PATH, then from well-known install directories.
// Names containing a path separator are only checked for existence.
func LookPath(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%s not found: %w", name, err)
		}
		return name, nil
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, dir := range extraDirs() {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Env returns base with the well-known install directories that exist prepended to PATH.
func Env(base []string) []string {
	env := append([]string(nil), base...)

	var prefix []string
	for _, dir := range extraDirs() {
		if _, err := os.Stat(dir); err == nil {
			prefix = append(prefix, dir)
		}
	}
	if len(prefix) == 0 {
		return env
	}

	joined := strings.Join(prefix, string(os.PathListSeparator))
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			env[i] = "PATH=" + joined + string(os.PathListSeparator) + strings.TrimPrefix(e, "PATH=")
			return env
		}
	}
	return append(env, "PATH="+joined)
}
