// Package tools provides the tool registry used by the engine to dispatch
// model-requested actions.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Standard errors
var (
	// ErrToolNotFound is returned when a tool is not registered
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolAlreadyRegistered is returned when trying to register a duplicate tool name.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrBuiltinConflict is returned when a registration attempts to override a builtin.
	ErrBuiltinConflict = errors.New("cannot override builtin tool")
)

// ToolError wraps errors with tool context.
type ToolError struct {
	ToolName string
	Err      error
}

func (e *ToolError) Error() string {
	return "tool " + e.ToolName + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Func is the signature for tool execution.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Middleware wraps tool execution. The name of the invoked tool is passed
// so cross-cutting middleware (logging, metrics) can label its output.
type Middleware func(name string, next Func) Func

// ParamDef defines a tool parameter.
type ParamDef struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description" yaml:"description"`
	Required    bool     `json:"required" yaml:"required"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Meta describes a registered tool.
type Meta struct {
	// Description of what the tool does
	Description string

	// Params documents the accepted arguments
	Params map[string]ParamDef

	// Flagged marks tools that must pass the confirmation gate before dispatch
	Flagged bool

	// Builtin marks engine-provided tools that plugins may not override
	Builtin bool
}

// Result is the outcome of a tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Schema describes a tool for the prompt catalog.
type Schema struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Params      map[string]ParamDef `json:"params,omitempty"`
	Flagged     bool                `json:"flagged,omitempty"`
}

// tool is the internal representation of a registered tool.
type tool struct {
	name string
	fn   Func
	meta Meta
}

// Registry is a collection of callable tools.
type Registry struct {
	tools      map[string]*tool
	middleware []Middleware
	sandbox    string
	mu         sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithSandbox restricts file operations to a directory.
func WithSandbox(path string) Option {
	return func(r *Registry) {
		r.sandbox = path
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]*tool),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a tool to the registry. The first registration of a name
// wins: registering a name again returns ErrToolAlreadyRegistered, and
// attempting to shadow a builtin returns ErrBuiltinConflict.
func (r *Registry) Register(name string, fn Func, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		if existing.meta.Builtin {
			return &ToolError{ToolName: name, Err: ErrBuiltinConflict}
		}
		return &ToolError{ToolName: name, Err: ErrToolAlreadyRegistered}
	}

	r.tools[name] = &tool{name: name, fn: fn, meta: meta}
	return nil
}

// Use adds middleware to the tool chain.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// Invoke calls a tool by name. Handler failures of any kind, including
// panics, are converted into a failed Result rather than propagating.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (res Result) {
	r.mu.RLock()
	tl, ok := r.tools[name]
	middleware := r.middleware
	sandbox := r.sandbox
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: "ToolNotFound: " + name}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	if sandbox != "" {
		args = rewritePathsForSandbox(args, sandbox)
	}

	exec := tl.fn

	// Apply middleware (in reverse order)
	for i := len(middleware) - 1; i >= 0; i-- {
		exec = middleware[i](name, exec)
	}

	output, err := exec(ctx, args)
	if err != nil {
		return Result{Success: false, Output: output, Error: err.Error()}
	}

	return Result{Success: true, Output: output}
}

// Lookup returns the metadata for a registered tool.
func (r *Registry) Lookup(name string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tl, ok := r.tools[name]
	if !ok {
		return Meta{}, false
	}
	return tl.meta, true
}

// Flagged reports whether a tool requires confirmation before dispatch.
func (r *Registry) Flagged(name string) bool {
	meta, ok := r.Lookup(name)
	return ok && meta.Flagged
}

// Catalog returns schemas for all tools, sorted by name for stable prompts.
func (r *Registry) Catalog() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.tools))
	for _, tl := range r.tools {
		schemas = append(schemas, Schema{
			Name:        tl.name,
			Description: tl.meta.Description,
			Params:      tl.meta.Params,
			Flagged:     tl.meta.Flagged,
		})
	}

	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltin registers an engine-provided tool. Builtins may not be
// overridden by later registrations. Unlike Register it replaces any
// previously registered non-builtin of the same name.
func (r *Registry) RegisterBuiltin(name string, fn Func, meta Meta) {
	meta.Builtin = true
	r.mu.Lock()
	r.tools[name] = &tool{name: name, fn: fn, meta: meta}
	r.mu.Unlock()
}

// Logging returns middleware that logs each invocation through the given
// slog logger with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(name string, next Func) Func {
		return func(ctx context.Context, args map[string]any) (string, error) {
			start := time.Now()
			out, err := next(ctx, args)
			if err != nil {
				logger.Warn("tool failed", "tool", name, "duration", time.Since(start), "err", err)
			} else {
				logger.Debug("tool ok", "tool", name, "duration", time.Since(start), "bytes", len(out))
			}
			return out, err
		}
	}
}

// rewritePathsForSandbox rewrites path arguments to be within sandbox.
func rewritePathsForSandbox(args map[string]any, sandbox string) map[string]any {
	result := make(map[string]any)
	for k, v := range args {
		if k == "path" || strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "Path") {
			if s, ok := v.(string); ok {
				clean := filepath.Clean(s)
				if !filepath.IsAbs(clean) {
					clean = filepath.Join(sandbox, clean)
				}
				// Check it's within sandbox
				rel, err := filepath.Rel(sandbox, clean)
				if err != nil || strings.HasPrefix(rel, "..") {
					// Path escapes sandbox - this will cause an error at execution
					result[k] = v
				} else {
					result[k] = clean
				}
				continue
			}
		}
		result[k] = v
	}
	return result
}
