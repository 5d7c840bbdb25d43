package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treehouse/internal/gittest"
	"treehouse/internal/ipc"
	"treehouse/internal/model"
)

func setupHome(t *testing.T) {
	t.Helper()
	t.Setenv("TREEHOUSE_HOME", t.TempDir())
	t.Setenv("TREEHOUSE_CONFIG", "")
	t.Setenv("TREEHOUSE_STORE", "json")
	t.Setenv("TREEHOUSE_WATCH", "false")
}

func run(t *testing.T, args ...string) (ipc.Result, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())

	var res ipc.Result
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	}
	return res, err
}

func TestWorkspaceCommandsPersistAcrossRuns(t *testing.T) {
	setupHome(t)
	repo := gittest.InitRepo(t)

	res, err := run(t, "workspace", "add", repo)
	require.NoError(t, err)
	require.True(t, res.OK)
	var ws model.Workspace
	require.NoError(t, res.Decode(&ws))
	assert.Equal(t, repo, ws.RepoPath)

	res, err = run(t, "ws", "list")
	require.NoError(t, err)
	var list []model.Workspace
	require.NoError(t, res.Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, ws.ID, list[0].ID)

	res, err = run(t, "session", "create", ws.ID, "--name", "fix login")
	require.NoError(t, err)
	var sess model.Session
	require.NoError(t, res.Decode(&sess))

	res, err = run(t, "session", "get", sess.ID)
	require.NoError(t, err)
	var got model.Session
	require.NoError(t, res.Decode(&got))
	assert.Equal(t, sess.Branch, got.Branch)
}

func TestFailureEnvelopeReturnsErrFailed(t *testing.T) {
	setupHome(t)

	res, err := run(t, "session", "get", "missing")
	assert.ErrorIs(t, err, errFailed)
	assert.False(t, res.OK)
	assert.Equal(t, "not found", res.Kind)
}

func TestRPCCommand(t *testing.T) {
	setupHome(t)

	res, err := run(t, "rpc", "system.ping")
	require.NoError(t, err)
	var pong struct {
		Version string `json:"version"`
	}
	require.NoError(t, res.Decode(&pong))
	assert.NotEmpty(t, pong.Version)

	res, err = run(t, "rpc", "workspace.add", `{"path":""}`)
	assert.ErrorIs(t, err, errFailed)
	assert.Equal(t, "validation", res.Kind)

	_, err = run(t, "rpc", "workspace.add", `{not json`)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errFailed)
}

func TestRPCList(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"rpc", "--list"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, lines, "git.merge")
	assert.Contains(t, lines, "system.ping")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "treehouse dev"))
}
