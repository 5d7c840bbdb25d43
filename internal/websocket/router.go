package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"treehouse/internal/ipc"
	"treehouse/internal/metrics"
)

// Dispatcher executes one operation of the ipc surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) ipc.Result
}

// Router forwards RPC requests to a Dispatcher, recording metrics and a debug log per call.
type Router struct {
	d      Dispatcher
	logger *slog.Logger
}

func NewRouter(d Dispatcher, logger *slog.Logger) *Router {
	return &Router{d: d, logger: logger}
}

// Call runs req and builds its response.
func (r *Router) Call(ctx context.Context, req *RPCRequest) *RPCResponse {
	start := time.Now()
	res := r.d.Dispatch(ctx, req.Method, req.Params)
	metrics.RecordRPC(req.Method, res.OK)
	r.logger.Debug("rpc", "id", req.ID, "method", req.Method, "ok", res.OK, "duration", time.Since(start))
	return &RPCResponse{ID: req.ID, Result: res}
}
