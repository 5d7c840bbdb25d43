package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"treehouse/internal/app"
	"treehouse/internal/config"
	"treehouse/internal/ipc"
	"treehouse/internal/logging"
)

// errFailed signals that a failure envelope was already printed.
var errFailed = errors.New("operation failed")

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "treehouse",
		Short: "Run coding agents in isolated git worktrees",
		Long: `treehouse manages workspaces (git repositories) and sessions (branches checked
out in their own worktree), runs a coding agent or a terminal per session and merges
finished work back.

Every command prints the operation's result envelope as JSON.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.treehouse/config.yaml, or $TREEHOUSE_CONFIG)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkspaceCmd(opts),
		newSessionCmd(opts),
		newGitCmd(opts),
		newAgentCmd(opts),
		newRPCCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// instance is a started App plus the logger it writes to.
type instance struct {
	cfg    *config.Config
	app    *app.App
	logger *logging.Logger
}

func (o *rootOptions) start(ctx context.Context, stderr bool) (*instance, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Debug:  o.debug,
		Dir:    cfg.LogDir,
		Stderr: stderr || o.debug,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening log: %w", err)
	}

	a := app.New(app.Options{Config: cfg, Logger: logger.Logger})
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Close()
		return nil, err
	}
	return &instance{cfg: cfg, app: a, logger: logger}, nil
}

func (r *instance) stop(ctx context.Context) error {
	defer r.logger.Close()
	return r.app.Shutdown(ctx)
}

// withApp starts the app, runs fn and prints its envelope.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(a *app.App) ipc.Result) error {
	ctx := cmd.Context()
	rt, err := o.start(ctx, false)
	if err != nil {
		return err
	}
	res := fn(rt.app)
	if err := rt.stop(context.WithoutCancel(ctx)); err != nil {
		rt.logger.Warn("shutdown", "error", err)
	}
	return printResult(cmd.OutOrStdout(), res)
}

func printResult(w io.Writer, res ipc.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	if !res.OK {
		return errFailed
	}
	return nil
}
