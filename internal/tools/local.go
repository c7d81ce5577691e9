package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// NewFunc creates a single-callable tool backed by a typed Go function. The
// input schema is inferred from In, and arguments are validated against it
// before being decoded into the typed value.
func NewFunc[In any](name, description string, fn func(ctx context.Context, in In) (any, error)) (*Tool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: derive schema: %w", name, err)
	}

	t := New(name, description)
	err = t.AddCallable(Callable{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in In
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			return fn(ctx, in)
		},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
