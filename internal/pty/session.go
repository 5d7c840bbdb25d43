package pty

import (
	"errors"
	"io"
	"os"
	"sync"

	gopty "github.com/aymanbagabas/go-pty"
)

// Terminal is one interactive shell attached to a pseudo-terminal.
type Terminal struct {
	ID        string
	SessionID string
	Cwd       string
	Shell     string

	mu     sync.Mutex
	cols   int
	rows   int
	pty    gopty.Pty
	cmd    *gopty.Cmd
	closed bool
	doneCh chan struct{}
}

func newTerminal(id, sessionID, cwd, shell string, cols, rows int) *Terminal {
	if shell == "" {
		shell = DefaultShell()
	}
	return &Terminal{
		ID:        id,
		SessionID: sessionID,
		Cwd:       cwd,
		Shell:     shell,
		cols:      cols,
		rows:      rows,
		doneCh:    make(chan struct{}),
	}
}

func (t *Terminal) shellEnv() []string {
	env := os.Environ()
	return append(env, "TERM=xterm-256color", "TREEHOUSE_SESSION_ID="+t.SessionID)
}

// start opens the pty and launches the shell in it.
func (t *Terminal) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := gopty.New()
	if err != nil {
		return err
	}
	if err := p.Resize(t.cols, t.rows); err != nil {
		p.Close()
		return err
	}

	cmd := p.Command(t.Shell, interactiveArgs(t.Shell)...)
	cmd.Dir = t.Cwd
	cmd.Env = t.shellEnv()
	if err := cmd.Start(); err != nil {
		p.Close()
		return err
	}

	t.pty = p
	t.cmd = cmd
	return nil
}

func (t *Terminal) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

func (t *Terminal) Read(buf []byte) (int, error) {
	if t.pty == nil {
		return 0, io.EOF
	}
	return t.pty.Read(buf)
}

// Write sends raw input to the shell.
func (t *Terminal) Write(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.pty == nil {
		return io.ErrClosedPipe
	}
	_, err := t.pty.Write([]byte(data))
	return err
}

func (t *Terminal) Resize(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.pty == nil {
		return io.ErrClosedPipe
	}
	if err := t.pty.Resize(cols, rows); err != nil {
		return err
	}
	t.cols, t.rows = cols, rows
	return nil
}

// wait blocks until the shell exits and returns its exit code (-1 when signalled).
func (t *Terminal) wait() int {
	if t.cmd == nil {
		return -1
	}
	err := t.cmd.Wait()
	if t.cmd.ProcessState != nil {
		return t.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// Close kills the shell and releases the pty. It is idempotent.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.doneCh)

	var errs []error
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	if t.pty != nil {
		errs = append(errs, t.pty.Close())
	}
	return errors.Join(errs...)
}

func (t *Terminal) Done() <-chan struct{} {
	return t.doneCh
}
