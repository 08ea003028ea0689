package mapping

import (
	"fmt"
	"sync"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// FieldMapping copies one value from a source address to a target address.
type FieldMapping struct {
	Source     string `json:"source" yaml:"source"`
	Target     string `json:"target" yaml:"target"`
	Transform  string `json:"transform,omitempty" yaml:"transform,omitempty"`
	Required   bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default    any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	HasDefault bool   `json:"-" yaml:"-"`
}

// FieldError describes why a single mapping failed.
type FieldError struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e FieldError) Error() string { return e.Message }

func (e FieldError) Unwrap() error { return e.Err }

// Result is the outcome of applying a mapping list. Data is always non-nil
// and holds every mapping that succeeded.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Errors  []FieldError   `json:"errors,omitempty"`
}

// Engine applies field mappings using a transform registry. Parsed paths are
// cached across calls.
type Engine struct {
	transforms *Registry
	paths      sync.Map
}

// NewEngine returns an engine over transforms, or the built-ins when nil.
func NewEngine(transforms *Registry) *Engine {
	if transforms == nil {
		transforms = NewRegistry()
	}
	return &Engine{transforms: transforms}
}

// Transforms exposes the registry so callers can register custom functions.
func (e *Engine) Transforms() *Registry { return e.transforms }

// Path returns the parsed form of expr, parsing at most once per expression.
func (e *Engine) Path(expr string) (Path, error) {
	if cached, ok := e.paths.Load(expr); ok {
		return cached.(Path), nil
	}
	p, err := ParsePath(expr)
	if err != nil {
		return Path{}, err
	}
	e.paths.Store(expr, p)
	return p, nil
}

// Apply runs mappings in order against source. Every mapping is attempted;
// failures are collected rather than aborting the run.
func (e *Engine) Apply(source any, mappings []FieldMapping) Result {
	res := Result{Data: make(map[string]any)}
	for _, m := range mappings {
		if fe := e.applyOne(source, res.Data, m); fe != nil {
			res.Errors = append(res.Errors, *fe)
		}
	}
	res.Success = len(res.Errors) == 0
	return res
}

func (e *Engine) applyOne(source any, out map[string]any, m FieldMapping) *FieldError {
	fail := func(msg string, err error) *FieldError {
		return &FieldError{Source: m.Source, Target: m.Target, Message: msg, Err: err}
	}

	src, err := e.Path(m.Source)
	if err != nil {
		return fail("Invalid mapping: "+err.Error(), err)
	}
	dst, err := e.Path(m.Target)
	if err != nil {
		return fail("Invalid mapping: "+err.Error(), err)
	}

	value, present := src.Get(source)
	if !present {
		switch {
		case m.HasDefault && m.Default != nil:
			value = cloneValue(m.Default)
		case m.Required:
			return fail("Required field missing: "+m.Source,
				fmt.Errorf("%w: %s", errspkg.ErrRequiredField, m.Source))
		default:
			return nil
		}
	} else if m.Transform != "" {
		fn, ok := e.transforms.Lookup(m.Transform)
		if !ok {
			return fail("Unknown transform: "+m.Transform,
				fmt.Errorf("%w: %s", errspkg.ErrUnknownTransform, m.Transform))
		}
		value, err = fn(value)
		if err != nil {
			return fail("Transformation failed: "+err.Error(),
				fmt.Errorf("%w: %w", errspkg.ErrTransformFailed, err))
		}
	} else {
		value = cloneValue(value)
	}

	if err := dst.Set(out, value); err != nil {
		return fail("Invalid mapping: "+err.Error(), err)
	}
	return nil
}

// cloneValue deep-copies JSON containers so the output never aliases the
// source document or a rule's default.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
