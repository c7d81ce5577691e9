package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/rpc"
)

// proxyProviders builds provider implementations that forward every call to
// the host over the RPC bridge. Only the namespaces the host granted are
// populated.
func proxyProviders(client *rpc.Client, namespaces []string) provider.Providers {
	var p provider.Providers
	for _, ns := range namespaces {
		switch ns {
		case "tools":
			p.Tools = &toolProxy{client}
		case "skills":
			p.Skills = &skillProxy{client}
		case "artifacts":
			p.Artifacts = &artifactProxy{client}
		case "deps":
			p.Deps = &depProxy{client}
		}
	}
	return p
}

// reshape decodes an RPC result (generic JSON shapes) into a typed value.
func reshape(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("reshape rpc result: %w", err)
	}
	return json.Unmarshal(data, target)
}

type toolProxy struct{ client *rpc.Client }

func (t *toolProxy) List(ctx context.Context) ([]provider.ToolDescriptor, error) {
	result, err := t.client.Call(ctx, "tools.list", nil)
	if err != nil {
		return nil, err
	}
	var descs []provider.ToolDescriptor
	if err := reshape(result, &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

func (t *toolProxy) Call(ctx context.Context, tool, callable string, args map[string]any) (any, error) {
	return t.client.Call(ctx, "tools.call", map[string]any{
		"name":     tool,
		"callable": callable,
		"args":     args,
	})
}

type skillProxy struct{ client *rpc.Client }

func (s *skillProxy) Search(ctx context.Context, query string, limit int) ([]provider.ScoredSkill, error) {
	result, err := s.client.Call(ctx, "skills.search", map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	var scored []provider.ScoredSkill
	if err := reshape(result, &scored); err != nil {
		return nil, err
	}
	return scored, nil
}

func (s *skillProxy) Get(ctx context.Context, name string) (*provider.Skill, error) {
	result, err := s.client.Call(ctx, "skills.get", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var skill provider.Skill
	if err := reshape(result, &skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

func (s *skillProxy) List(ctx context.Context) ([]provider.Skill, error) {
	result, err := s.client.Call(ctx, "skills.list", nil)
	if err != nil {
		return nil, err
	}
	var skills []provider.Skill
	if err := reshape(result, &skills); err != nil {
		return nil, err
	}
	return skills, nil
}

func (s *skillProxy) Create(ctx context.Context, name, source, description string) (*provider.Skill, error) {
	result, err := s.client.Call(ctx, "skills.create", map[string]any{
		"name":        name,
		"source":      source,
		"description": description,
	})
	if err != nil {
		return nil, err
	}
	var skill provider.Skill
	if err := reshape(result, &skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

func (s *skillProxy) Delete(ctx context.Context, name string) (bool, error) {
	result, err := s.client.Call(ctx, "skills.delete", map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	deleted, _ := result.(bool)
	return deleted, nil
}

func (s *skillProxy) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return s.client.Call(ctx, "skills.invoke", map[string]any{"name": name, "args": args})
}

type artifactProxy struct{ client *rpc.Client }

func (a *artifactProxy) Save(ctx context.Context, name string, data any, description string, metadata map[string]any) (*provider.Artifact, error) {
	result, err := a.client.Call(ctx, "artifacts.save", map[string]any{
		"name":        name,
		"data":        data,
		"description": description,
		"metadata":    metadata,
	})
	if err != nil {
		return nil, err
	}
	var art provider.Artifact
	if err := reshape(result, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

func (a *artifactProxy) Load(ctx context.Context, name string) (any, error) {
	return a.client.Call(ctx, "artifacts.load", map[string]any{"name": name})
}

func (a *artifactProxy) Get(ctx context.Context, name string) (*provider.Artifact, error) {
	result, err := a.client.Call(ctx, "artifacts.get", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var art provider.Artifact
	if err := reshape(result, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

func (a *artifactProxy) List(ctx context.Context) ([]provider.Artifact, error) {
	result, err := a.client.Call(ctx, "artifacts.list", nil)
	if err != nil {
		return nil, err
	}
	var arts []provider.Artifact
	if err := reshape(result, &arts); err != nil {
		return nil, err
	}
	return arts, nil
}

func (a *artifactProxy) Exists(ctx context.Context, name string) (bool, error) {
	result, err := a.client.Call(ctx, "artifacts.exists", map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	exists, _ := result.(bool)
	return exists, nil
}

func (a *artifactProxy) Delete(ctx context.Context, name string) (bool, error) {
	result, err := a.client.Call(ctx, "artifacts.delete", map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	deleted, _ := result.(bool)
	return deleted, nil
}

type depProxy struct{ client *rpc.Client }

func (d *depProxy) Add(ctx context.Context, spec string) error {
	_, err := d.client.Call(ctx, "deps.add", map[string]any{"spec": spec})
	return err
}

func (d *depProxy) Remove(ctx context.Context, spec string) (bool, error) {
	result, err := d.client.Call(ctx, "deps.remove", map[string]any{"spec": spec})
	if err != nil {
		return false, err
	}
	removed, _ := result.(bool)
	return removed, nil
}

func (d *depProxy) List(ctx context.Context) ([]string, error) {
	result, err := d.client.Call(ctx, "deps.list", nil)
	if err != nil {
		return nil, err
	}
	var specs []string
	if err := reshape(result, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (d *depProxy) Sync(ctx context.Context) (*provider.SyncReport, error) {
	result, err := d.client.Call(ctx, "deps.sync", nil)
	if err != nil {
		return nil, err
	}
	var report provider.SyncReport
	if err := reshape(result, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
