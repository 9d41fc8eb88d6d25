package toolboundary

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/session"
)

// Handler is a tool's implementation. It receives args already validated
// against the tool's input schema. A Handler must never be invoked from
// anywhere but Boundary.ExecuteTool.
type Handler func(ctx context.Context, args json.RawMessage, ad adapter.Adapter, sess *session.Context) (any, error)

// Tool is one registrable unit of the tool registry.
type Tool struct {
	Name         string
	WriteCapable bool
	InputSchema  json.RawMessage
	Handler      Handler

	compiled *jsonschema.Schema
}

// Registry is the read-only-after-registration set of tools the boundary
// dispatches to. A caller-supplied tool name is validated against this
// registry before any authorization or quota work runs.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register compiles t's input schema and adds it to the registry. A
// malformed schema fails here, at startup registration time, rather than
// on the first request — the boundary must never discover a broken schema
// mid-request.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("toolboundary: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("toolboundary: tool %q has no handler", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("toolboundary: tool %q already registered", t.Name)
	}

	schema, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return fmt.Errorf("toolboundary: tool %q: %w", t.Name, err)
	}
	t.compiled = schema

	tc := t
	r.tools[t.Name] = &tc
	return nil
}

// Lookup returns the named tool, or false if name is not registered. This
// is the only query the boundary performs before authorization runs.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}

	resource := "tool://" + name + "/input-schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// validateArgs checks args against t's compiled schema. A tool registered
// without a schema skips validation: its args are passed on unparsed.
func (t *Tool) validateArgs(args json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return t.compiled.Validate(doc)
}
