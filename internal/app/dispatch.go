package app

import (
	"context"
	"encoding/json"
	"sort"

	"treehouse/internal/apperr"
	"treehouse/internal/ipc"
)

type handler func(ctx context.Context, method string, params json.RawMessage) ipc.Result

// route binds params to R before running fn.
func route[R ipc.Request](a *App, fn func(context.Context, R) (any, error)) handler {
	return func(ctx context.Context, method string, params json.RawMessage) ipc.Result {
		req, err := ipc.Bind[R](method, params)
		if err != nil {
			return ipc.Fail(err)
		}
		return invoke(a, ctx, method, req, fn)
	}
}

// invoke runs an already built request: the path taken by the bound desktop methods.
func invoke[R ipc.Request](a *App, ctx context.Context, method string, req R, fn func(context.Context, R) (any, error)) ipc.Result {
	if !a.started.Load() {
		return ipc.Fail(errNotStarted)
	}
	if err := ipc.Check(method, req); err != nil {
		return ipc.Fail(err)
	}
	res := ipc.From(fn(ctx, req))
	if !res.OK {
		a.logger.Debug("operation failed", "method", method, "error", res.Error, "kind", res.Kind)
	}
	return res
}

func (a *App) routes() map[string]handler {
	return map[string]handler{
		ipc.MethodWorkspaceList:   route(a, a.listWorkspaces),
		ipc.MethodWorkspaceAdd:    route(a, a.addWorkspace),
		ipc.MethodWorkspaceRemove: route(a, a.removeWorkspace),

		ipc.MethodSessionList:   route(a, a.listSessions),
		ipc.MethodSessionGet:    route(a, a.getSession),
		ipc.MethodSessionCreate: route(a, a.createSession),
		ipc.MethodSessionOpen:   route(a, a.openSession),
		ipc.MethodSessionClose:  route(a, a.closeSession),
		ipc.MethodSessionDelete: route(a, a.deleteSession),

		ipc.MethodGitStatus:     route(a, a.gitStatus),
		ipc.MethodGitMerge:      route(a, a.gitMerge),
		ipc.MethodGitAbortMerge: route(a, a.gitAbortMerge),
		ipc.MethodGitBranchInfo: route(a, a.gitBranchInfo),
		ipc.MethodGitBranches:   route(a, a.gitBranches),

		ipc.MethodAgentSend:        route(a, a.agentSend),
		ipc.MethodAgentInterrupt:   route(a, a.agentInterrupt),
		ipc.MethodAgentGet:         route(a, a.agentGet),
		ipc.MethodAgentTranscripts: route(a, a.agentTranscripts),

		ipc.MethodTerminalCreate:  route(a, a.terminalCreate),
		ipc.MethodTerminalWrite:   route(a, a.terminalWrite),
		ipc.MethodTerminalResize:  route(a, a.terminalResize),
		ipc.MethodTerminalDestroy: route(a, a.terminalDestroy),

		ipc.MethodSystemPing: route(a, a.ping),
	}
}

// Dispatch runs the named operation with JSON params. Unknown methods fail with NotFound.
func (a *App) Dispatch(ctx context.Context, method string, params json.RawMessage) ipc.Result {
	h, ok := a.methods[method]
	if !ok {
		return ipc.Fail(apperr.E(apperr.Op("app.Dispatch"), apperr.KindNotFound, "method not found: "+method))
	}
	return h(ctx, method, params)
}

// Methods lists the operation names Dispatch accepts.
func (a *App) Methods() []string {
	names := make([]string, 0, len(a.methods))
	for name := range a.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
