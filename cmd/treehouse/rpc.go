package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"treehouse/internal/app"
	"treehouse/internal/ipc"
)

func newRPCCmd(root *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "rpc <method> [params-json]",
		Short: "Invoke any operation by its method name",
		Long: `Invokes an operation exactly as a websocket client would, e.g.

  treehouse rpc git.merge '{"workspaceId":"ws-1","sourceBranch":"session/1-fix","targetBranch":"main"}'

Params may also be read from stdin with "-".`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, m := range app.New(app.Options{}).Methods() {
					fmt.Fprintln(cmd.OutOrStdout(), m)
				}
				return nil
			}
			params, err := readParams(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(a *app.App) ipc.Result {
				return a.Dispatch(cmd.Context(), args[0], params)
			})
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list method names")
	return cmd
}

func readParams(stdin io.Reader, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := args[0]
	if raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params are not valid JSON")
	}
	return json.RawMessage(raw), nil
}
