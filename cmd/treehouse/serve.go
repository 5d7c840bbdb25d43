package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"treehouse/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr, authKey string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operation surface over websocket RPC",
		Long: `Starts the websocket server. Clients connect to /ws, send rpc_request frames and
subscribe to session events; /health and /metrics are served alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := root.start(ctx, true)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			if authKey == "" {
				authKey = os.Getenv("TREEHOUSE_AUTH_KEY")
			}

			srv := websocket.NewServer(rt.app, rt.app.Hub(), websocket.Options{
				Addr:    addr,
				AuthKey: authKey,
				Logger:  rt.logger.Logger,
			})
			bound, err := srv.Start()
			if err != nil {
				rt.stop(context.Background())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "WS_ADDR:%s\n", bound)

			<-ctx.Done()
			rt.logger.Info("shutting down")

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(sctx); err != nil {
				rt.logger.Warn("websocket shutdown", "error", err)
			}
			return rt.stop(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:7420)")
	cmd.Flags().StringVar(&authKey, "auth-key", "", "require this key in the X-Auth-Key header ($TREEHOUSE_AUTH_KEY)")
	return cmd
}
