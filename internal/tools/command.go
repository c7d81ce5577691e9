package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// CommandRunner executes a command and returns its combined output.
// Injectable for tests; the default execs directly, never through a shell.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// commandFile is the YAML document declaring command-backed tools.
type commandFile struct {
	Tools []commandTool `yaml:"tools"`
}

type commandTool struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Callables   []commandCallable `yaml:"callables"`
}

type commandCallable struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     string         `yaml:"command"`
	Args        []string       `yaml:"args"`
	Params      []commandParam `yaml:"params"`
}

type commandParam struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// LoadCommandTools parses a YAML tool declaration file into registrable
// tools. runner may be nil to exec commands directly.
func LoadCommandTools(path string, runner CommandRunner) ([]*Tool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool file: %w", err)
	}
	return ParseCommandTools(raw, runner)
}

// ParseCommandTools builds tools from YAML bytes.
func ParseCommandTools(raw []byte, runner CommandRunner) ([]*Tool, error) {
	if runner == nil {
		runner = defaultRunner
	}
	var file commandFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tool file: %w", err)
	}

	var out []*Tool
	for _, ct := range file.Tools {
		if ct.Name == "" {
			return nil, fmt.Errorf("command tool missing name")
		}
		t := New(ct.Name, ct.Description)
		for _, cc := range ct.Callables {
			if cc.Command == "" {
				return nil, fmt.Errorf("tool %s: callable %s missing command", ct.Name, cc.Name)
			}
			if err := t.AddCallable(buildCommandCallable(cc, runner)); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func buildCommandCallable(cc commandCallable, runner CommandRunner) Callable {
	schema := &jsonschema.Schema{
		Type:                 "object",
		Properties:           map[string]*jsonschema.Schema{},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	for _, p := range cc.Params {
		schema.Properties[p.Name] = &jsonschema.Schema{
			Type:        "string",
			Description: p.Description,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}

	command, template := cc.Command, cc.Args
	return Callable{
		Name:        cc.Name,
		Description: cc.Description,
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			argv, err := expandArgs(template, args)
			if err != nil {
				return nil, err
			}
			out, err := runner(ctx, command, argv...)
			if err != nil {
				return nil, fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(string(out)))
			}
			return strings.TrimRight(string(out), "\n"), nil
		},
	}
}

// expandArgs substitutes {param} placeholders with argument values. A
// placeholder must be an entire argv element, and substituted values must
// not look like flags; this keeps agent-supplied text from becoming options.
func expandArgs(template []string, args map[string]any) ([]string, error) {
	argv := make([]string, 0, len(template))
	for _, elem := range template {
		if !strings.HasPrefix(elem, "{") || !strings.HasSuffix(elem, "}") {
			if strings.ContainsAny(elem, "{}") {
				return nil, fmt.Errorf("placeholder must be a whole argument: %q", elem)
			}
			argv = append(argv, elem)
			continue
		}
		name := elem[1 : len(elem)-1]
		val, ok := args[name]
		if !ok {
			// Optional param left unset: drop the argument.
			continue
		}
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %s must be a string", name)
		}
		if strings.HasPrefix(s, "-") {
			return nil, fmt.Errorf("parameter %s may not start with a dash: %q", name, s)
		}
		argv = append(argv, s)
	}
	return argv, nil
}
