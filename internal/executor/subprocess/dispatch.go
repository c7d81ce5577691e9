package subprocess

import (
	"context"
	"errors"
	"fmt"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/rpc"
)

// dispatch serves one rpc_request from the worker against host providers.
// It always returns a response frame; provider failures become structured
// wire errors attributed to the namespace operation.
func dispatch(ctx context.Context, p provider.Providers, req *rpc.Request) *rpc.Response {
	ns, op, err := rpc.SplitMethod(req.Method)
	if err != nil {
		return rpc.NewError(req.ID, &rpc.WireError{
			Namespace: "rpc",
			Operation: "dispatch",
			Message:   err.Error(),
			Type:      "ProtocolError",
		})
	}

	result, err := route(ctx, p, ns, op, req.Params)
	if err != nil {
		metrics.RecordRPC(ns, op, "error")
		logger.WithContext(ctx).Warn("rpc dispatch failed", "method", req.Method, "err", err)
		return rpc.NewError(req.ID, &rpc.WireError{
			Namespace: ns,
			Operation: op,
			Message:   err.Error(),
			Type:      classifyError(err),
		})
	}
	metrics.RecordRPC(ns, op, "ok")
	return rpc.NewResult(req.ID, result)
}

func route(ctx context.Context, p provider.Providers, ns, op string, params map[string]any) (any, error) {
	switch ns {
	case "tools":
		if p.Tools == nil {
			return nil, fmt.Errorf("tools namespace not granted")
		}
		return routeTools(ctx, p.Tools, op, params)
	case "skills":
		if p.Skills == nil {
			return nil, fmt.Errorf("skills namespace not granted")
		}
		return routeSkills(ctx, p.Skills, op, params)
	case "artifacts":
		if p.Artifacts == nil {
			return nil, fmt.Errorf("artifacts namespace not granted")
		}
		return routeArtifacts(ctx, p.Artifacts, op, params)
	case "deps":
		if p.Deps == nil {
			return nil, fmt.Errorf("deps namespace not granted")
		}
		return routeDeps(ctx, p.Deps, op, params)
	default:
		return nil, fmt.Errorf("unknown namespace %q", ns)
	}
}

func routeTools(ctx context.Context, p provider.ToolProvider, op string, params map[string]any) (any, error) {
	switch op {
	case "list":
		return p.List(ctx)
	case "call":
		name := stringParam(params, "name")
		callable := stringParam(params, "callable")
		args, _ := params["args"].(map[string]any)
		return p.Call(ctx, name, callable, args)
	default:
		return nil, fmt.Errorf("unknown operation tools.%s", op)
	}
}

func routeSkills(ctx context.Context, p provider.SkillProvider, op string, params map[string]any) (any, error) {
	switch op {
	case "search":
		limit := intParam(params, "limit", 5)
		return p.Search(ctx, stringParam(params, "query"), limit)
	case "get":
		return p.Get(ctx, stringParam(params, "name"))
	case "list":
		return p.List(ctx)
	case "create":
		return p.Create(ctx, stringParam(params, "name"), stringParam(params, "source"), stringParam(params, "description"))
	case "delete":
		return p.Delete(ctx, stringParam(params, "name"))
	case "invoke":
		args, _ := params["args"].(map[string]any)
		return p.Invoke(ctx, stringParam(params, "name"), args)
	default:
		return nil, fmt.Errorf("unknown operation skills.%s", op)
	}
}

func routeArtifacts(ctx context.Context, p provider.ArtifactProvider, op string, params map[string]any) (any, error) {
	switch op {
	case "save":
		meta, _ := params["metadata"].(map[string]any)
		return p.Save(ctx, stringParam(params, "name"), params["data"], stringParam(params, "description"), meta)
	case "load":
		return p.Load(ctx, stringParam(params, "name"))
	case "get":
		return p.Get(ctx, stringParam(params, "name"))
	case "list":
		return p.List(ctx)
	case "exists":
		return p.Exists(ctx, stringParam(params, "name"))
	case "delete":
		return p.Delete(ctx, stringParam(params, "name"))
	default:
		return nil, fmt.Errorf("unknown operation artifacts.%s", op)
	}
}

func routeDeps(ctx context.Context, p provider.DependencyProvider, op string, params map[string]any) (any, error) {
	switch op {
	case "add":
		return nil, p.Add(ctx, stringParam(params, "spec"))
	case "remove":
		return p.Remove(ctx, stringParam(params, "spec"))
	case "list":
		return p.List(ctx)
	case "sync":
		return p.Sync(ctx)
	default:
		return nil, fmt.Errorf("unknown operation deps.%s", op)
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, provider.ErrToolNotFound):
		return "ToolNotFound"
	case errors.Is(err, provider.ErrToolTimedOut):
		return "ToolTimeout"
	case errors.Is(err, provider.ErrToolCallFailed):
		return "ToolCallError"
	case errors.Is(err, provider.ErrSkillNotFound):
		return "SkillNotFound"
	case errors.Is(err, provider.ErrSkillExists):
		return "SkillExists"
	case errors.Is(err, provider.ErrArtifactNotFound):
		return "ArtifactNotFound"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "ProviderError"
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}
