// internal/process/process.go
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes a process to launch. Args are passed as a vector, never through a shell.
type Spec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Handle is a running child process.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Wait blocks until exit and returns the exit code (-1 when killed by a signal).
	Wait() (int, error)
	Interrupt() error
	Kill() error
	// Shutdown escalates SIGINT, SIGTERM and SIGKILL, waiting grace between steps.
	Shutdown(ctx context.Context, grace time.Duration) error
	// Close releases the read ends of the output pipes.
	Close() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// ExecSpawner launches real OS processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Process represents a managed process
type Process struct {
	Cmd *exec.Cmd

	stdout *os.File
	stderr *os.File

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	waitErr  error
	running  bool
}

// Start launches spec. The child's stdout and stderr are plain OS pipes, so they can be
// read concurrently with the exit wait.
func Start(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// The child holds its own copies now.
	outW.Close()
	errW.Close()

	p := &Process{
		Cmd:     cmd,
		stdout:  outR,
		stderr:  errR,
		done:    make(chan struct{}),
		running: true,
	}

	go func() {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.mu.Lock()
		p.exitCode = code
		p.waitErr = err
		p.running = false
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

func (p *Process) Stdout() io.Reader { return p.stdout }
func (p *Process) Stderr() io.Reader { return p.stderr }

func (p *Process) Done() <-chan struct{} { return p.done }

// Wait waits for the process to exit
func (p *Process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

// IsRunning returns whether the process is running
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Signal sends sig to the process group. Signalling an exited process is a no-op.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.Cmd.Process == nil {
		return nil
	}
	return signalGroup(p.Cmd.Process, sig)
}

func (p *Process) Interrupt() error { return p.Signal(syscall.SIGINT) }

func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// Shutdown attempts to gracefully shutdown the process
func (p *Process) Shutdown(ctx context.Context, grace time.Duration) error {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		p.Signal(sig)

		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		case <-ctx.Done():
			p.Kill()
			return ctx.Err()
		}
	}
	return p.Kill()
}

func (p *Process) Close() error {
	err1 := p.stdout.Close()
	err2 := p.stderr.Close()
	return errors.Join(err1, err2)
}
