package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"treehouse/internal/app"
	"treehouse/internal/eventhub"
	"treehouse/internal/ipc"
	"treehouse/internal/model"
)

func newWorkspaceCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage registered repositories",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List workspaces",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().ListWorkspaces() })
			},
		},
		&cobra.Command{
			Use:   "add <path>",
			Short: "Register a git repository",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().AddWorkspace(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "remove <workspace-id>",
			Short: "Forget a workspace and its sessions (worktrees stay on disk)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().RemoveWorkspace(args[0]) })
			},
		},
	)
	return cmd
}

func newSessionCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions (one branch and worktree each)",
	}

	var name string
	create := &cobra.Command{
		Use:   "create <workspace-id>",
		Short: "Create a session branched from the workspace's current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().CreateSession(args[0], name) })
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "display name, also used in the branch name")

	var removeWorktree, removeBranch bool
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session, optionally removing its worktree and branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(a *app.App) ipc.Result {
				return a.Ops().DeleteSession(args[0], removeWorktree, removeBranch)
			})
		},
	}
	del.Flags().BoolVar(&removeWorktree, "remove-worktree", false, "remove the worktree directory")
	del.Flags().BoolVar(&removeBranch, "remove-branch", false, "delete the session branch")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <workspace-id>",
			Short: "List the sessions of a workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().ListSessions(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "get <session-id>",
			Short: "Show one session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().GetSession(args[0]) })
			},
		},
		create,
		&cobra.Command{
			Use:   "open <session-id>",
			Short: "Mark a session running",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().OpenSession(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "close <session-id>",
			Short: "Mark a session idle",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().CloseSession(args[0]) })
			},
		},
		del,
	)
	return cmd
}

func newGitCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "git",
		Short: "Inspect and merge session branches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <session-id>",
			Short: "Show the working tree status of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().GitStatus(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "merge <workspace-id> <source-branch> <target-branch>",
			Short: "Merge source into target in the workspace's main checkout",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result {
					return a.Ops().GitMerge(ipc.MergeRequest{WorkspaceID: args[0], SourceBranch: args[1], TargetBranch: args[2]})
				})
			},
		},
		&cobra.Command{
			Use:   "abort-merge <workspace-id>",
			Short: "Abort a conflicted merge",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().GitAbortMerge(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "branch-info <session-id>",
			Short: "Show how far a session branch is ahead of or behind its base",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().GitBranchInfo(args[0]) })
			},
		},
		&cobra.Command{
			Use:   "branches <workspace-id>",
			Short: "List local branches",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().GitBranches(args[0]) })
			},
		},
	)
	return cmd
}

func newAgentCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to the coding agent of a session",
	}

	var cwd string
	var timeout time.Duration
	send := &cobra.Command{
		Use:   "send <session-id> <message>",
		Short: "Send a message and stream the agent's events until the run ends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(a *app.App) ipc.Result {
				return sendAndWait(cmd, a, args[0], cwd, args[1], timeout)
			})
		},
	}
	send.Flags().StringVar(&cwd, "cwd", "", "working directory (default: the session's worktree)")
	send.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting after this long")

	cmd.AddCommand(
		send,
		&cobra.Command{
			Use:   "transcripts <session-id>",
			Short: "List archived agent runs of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(a *app.App) ipc.Result { return a.Ops().AgentTranscripts(args[0]) })
			},
		},
	)
	return cmd
}

// sendAndWait starts a run, prints each event as a JSON line and returns once the
// agent leaves the running state. The final envelope carries the agent snapshot.
// Ctrl-C interrupts the run.
func sendAndWait(cmd *cobra.Command, a *app.App, sessionID, cwd, message string, timeout time.Duration) ipc.Result {
	if cwd == "" {
		var sess model.Session
		if err := a.Ops().GetSession(sessionID).Decode(&sess); err != nil {
			return ipc.Fail(err)
		}
		cwd = sess.WorktreePath
	}

	sink := eventhub.NewChannelSink(1024)
	id := a.Hub().Subscribe(eventhub.Filter{SessionID: sessionID}, sink)
	defer func() {
		a.Hub().Unsubscribe(id)
		sink.Close()
	}()

	if res := a.Ops().AgentSend(sessionID, cwd, message); !res.OK {
		return res
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	enc := json.NewEncoder(cmd.ErrOrStderr())
	for {
		select {
		case <-ctx.Done():
			a.Ops().AgentInterrupt(sessionID)
			return ipc.Fail(fmt.Errorf("stopped waiting for agent: %w", ctx.Err()))
		case ev := <-sink.C():
			enc.Encode(ev)
			st, ok := ev.Payload.(eventhub.StatusPayload)
			if ok && ev.Source == eventhub.SourceAgent && st.Status != string(model.StatusRunning) {
				return a.Ops().AgentGet(sessionID)
			}
		}
	}
}
