package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// HandlerFunc implements one capability in-process. Arguments have been
	// validated against the capability's input schema before invocation.
	HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

	// ReaderFunc implements one read-only resource in-process.
	ReaderFunc func(ctx context.Context) (any, error)

	// Registry is an in-process Gateway backed by registered handlers. Tool
	// arguments are validated against each capability's JSON Schema before
	// dispatch, so handlers only see schema-conformant input.
	//
	// Registry is safe for concurrent use and implements both Gateway and
	// CatalogProvider.
	Registry struct {
		mu        sync.RWMutex
		tools     map[string]*registeredTool
		resources map[string]ReaderFunc
		timeout   time.Duration
	}

	registeredTool struct {
		cap     Capability
		schema  *jsonschema.Schema
		handler HandlerFunc
	}

	// RegistryOption customizes Registry construction.
	RegistryOption func(*Registry)
)

// WithDefaultTimeout sets the timeout applied to calls that do not specify one.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:     make(map[string]*registeredTool),
		resources: make(map[string]ReaderFunc),
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability and its handler. The input schema is compiled at
// registration time so malformed schemas fail fast, not at call time.
func (r *Registry) Register(cap Capability, handler HandlerFunc) error {
	if cap.Name == "" {
		return errors.New("capability name is required")
	}
	if handler == nil {
		return errors.New("capability handler is required")
	}
	var schema *jsonschema.Schema
	if cap.InputSchema != nil {
		compiled, err := compileSchema(cap.Name, cap.InputSchema)
		if err != nil {
			return fmt.Errorf("capability %q: %w", cap.Name, err)
		}
		schema = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[cap.Name]; dup {
		return fmt.Errorf("capability %q already registered", cap.Name)
	}
	r.tools[cap.Name] = &registeredTool{cap: cap, schema: schema, handler: handler}
	return nil
}

// RegisterResource adds a read-only resource reader.
func (r *Registry) RegisterResource(name string, reader ReaderFunc) error {
	if name == "" {
		return errors.New("resource name is required")
	}
	if reader == nil {
		return errors.New("resource reader is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.resources[name]; dup {
		return fmt.Errorf("resource %q already registered", name)
	}
	r.resources[name] = reader
	return nil
}

// ListCapabilities implements CatalogProvider.
func (r *Registry) ListCapabilities(_ context.Context) ([]Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.tools))
	for _, t := range r.tools {
		caps = append(caps, t.cap)
	}
	return caps, nil
}

// Call implements Gateway. Arguments are validated against the capability's
// input schema; violations surface as invalid-arguments errors with a hint
// describing the mismatch.
func (r *Registry) Call(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[capability]
	r.mu.RUnlock()
	if !ok {
		return nil, NewNotFound(capability)
	}
	if tool.schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := tool.schema.Validate(normalizeForValidation(args)); err != nil {
			return nil, NewInvalidArguments(capability, "arguments do not match input schema", err.Error())
		}
	}
	return r.invoke(ctx, capability, timeout, func(ctx context.Context) (any, error) {
		return tool.handler(ctx, args)
	})
}

// Read implements Gateway's read-only path.
func (r *Registry) Read(ctx context.Context, resource string, timeout time.Duration) (any, error) {
	r.mu.RLock()
	reader, ok := r.resources[resource]
	r.mu.RUnlock()
	if !ok {
		return nil, NewNotFound(resource)
	}
	return r.invoke(ctx, resource, timeout, func(ctx context.Context) (any, error) {
		return reader(ctx)
	})
}

// invoke applies the timeout and maps failures into the gateway taxonomy. An
// in-flight handler runs to completion or its own deadline; cancellation is
// cooperative.
func (r *Registry) invoke(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(callCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTimeout(name, timeout)
		}
		if ge, ok := AsError(err); ok {
			return nil, ge
		}
		return nil, NewExecution(name, err.Error(), "", err)
	}
	return out, nil
}

// compileSchema compiles a JSON Schema document held as a Go map.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, normalizeForValidation(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeForValidation converts Go-native numeric types into the JSON
// shapes the validator expects (all numbers as float64).
func normalizeForValidation(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForValidation(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForValidation(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
