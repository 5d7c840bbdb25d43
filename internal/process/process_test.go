// internal/process/process_test.go
package process

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_CapturesOutputAndExitCode(t *testing.T) {
	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer p.Close()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	errOut, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
	assert.Greater(t, p.PID(), 0)
}

func TestStart_ArgsAreNotShellInterpreted(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Spec{Name: "echo", Args: []string{"$(touch pwned); done"}, Dir: dir})
	require.NoError(t, err)
	defer p.Close()

	out, _ := io.ReadAll(p.Stdout())
	_, _ = p.Wait()
	assert.Equal(t, "$(touch pwned); done\n", string(out))
	_, statErr := os.Stat(filepath.Join(dir, "pwned"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(Spec{Name: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
}

func TestInterrupt(t *testing.T) {
	p, err := Start(Spec{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	defer p.Close()
	assert.True(t, p.IsRunning())

	require.NoError(t, p.Interrupt())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGINT")
	}
	code, _ := p.Wait()
	assert.Equal(t, -1, code)
	assert.False(t, p.IsRunning())

	// Signalling an exited process is harmless.
	assert.NoError(t, p.Kill())
}

func TestShutdown_EscalatesToKill(t *testing.T) {
	// Ignores SIGINT and SIGTERM, so only the final kill ends it.
	p, err := Start(Spec{Name: "sh", Args: []string{"-c", "trap '' INT TERM; sleep 30"}})
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	require.NoError(t, p.Shutdown(context.Background(), 100*time.Millisecond))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived shutdown")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLookPath(t *testing.T) {
	path, err := LookPath("sh")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "sh"))

	_, err = LookPath("no-such-binary-for-treehouse")
	assert.Error(t, err)

	_, err = LookPath("/no/such/abs/binary")
	assert.Error(t, err)
}

func TestEnv_KeepsExistingPath(t *testing.T) {
	env := Env([]string{"PATH=/usr/bin", "HOME=/home/x"})
	var path string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			path = e
		}
	}
	assert.True(t, strings.HasSuffix(path, "/usr/bin"))
	assert.Contains(t, env, "HOME=/home/x")
}
