// Package schema validates transformed documents against JSON Schemas before
// they leave the mediator.
package schema

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// Document is an inline JSON Schema.
type Document = map[string]any

// RootField names violations that apply to the whole document.
const RootField = "(root)"

// FieldError is one schema violation with a dotted path into the document.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Message }

// Result is the outcome of validating one value.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Error joins the violations into one line, or "" when valid.
func (r Result) Error() string {
	parts := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// InvalidItem is a batch entry that failed validation.
type InvalidItem struct {
	Index  int          `json:"index"`
	Item   any          `json:"item"`
	Errors []FieldError `json:"errors"`
}

// BatchSummary counts a batch run.
type BatchSummary struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// BatchResult partitions a batch into valid and invalid items.
type BatchResult struct {
	Valid   []any         `json:"valid"`
	Invalid []InvalidItem `json:"invalid"`
	Summary BatchSummary  `json:"summary"`
}

// formatsMu guards gojsonschema's process-wide format checkers. Registration
// takes it exclusively; compilation and validation share it.
var formatsMu sync.RWMutex

// Validator compiles schemas once and caches them by reference.
type Validator struct {
	baseDir string

	mu    sync.RWMutex
	cache map[string]*gojsonschema.Schema
}

// NewValidator returns a validator resolving schema file references relative
// to baseDir.
func NewValidator(baseDir string) *Validator {
	return &Validator{
		baseDir: baseDir,
		cache:   make(map[string]*gojsonschema.Schema),
	}
}

// Validate checks value against an inline schema. A schema that does not
// compile is reported as an error, never as a validation failure.
func (v *Validator) Validate(value any, schema Document) (Result, error) {
	compiled, err := v.inline(schema)
	if err != nil {
		return Result{}, err
	}
	return run(compiled, value)
}

// ValidateRef checks value against the schema file at ref.
func (v *Validator) ValidateRef(value any, ref string) (Result, error) {
	compiled, err := v.file(ref)
	if err != nil {
		return Result{}, err
	}
	return run(compiled, value)
}

// ValidateBatch validates every item against schema.
func (v *Validator) ValidateBatch(items []any, schema Document) (BatchResult, error) {
	compiled, err := v.inline(schema)
	if err != nil {
		return BatchResult{}, err
	}
	out := BatchResult{Valid: []any{}, Invalid: []InvalidItem{}}
	for i, item := range items {
		res, err := run(compiled, item)
		if err != nil {
			return BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		if res.Valid {
			out.Valid = append(out.Valid, item)
		} else {
			out.Invalid = append(out.Invalid, InvalidItem{Index: i, Item: item, Errors: res.Errors})
		}
	}
	out.Summary = BatchSummary{Total: len(items), Valid: len(out.Valid), Invalid: len(out.Invalid)}
	return out, nil
}

// RegisterFormat adds a named string format checked by pattern. Formats are
// process-wide and visible to every Validator; the cache is cleared so later
// compilations pick it up. Safe to call while other validations run.
func (v *Validator) RegisterFormat(name, pattern string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("format name is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("format %q: %w", name, err)
	}
	formatsMu.Lock()
	gojsonschema.FormatCheckers.Add(name, regexFormat{re: re})
	formatsMu.Unlock()
	v.ClearCache()
	return nil
}

// CacheSize reports how many compiled schemas are held.
func (v *Validator) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

// ClearCache drops every compiled schema.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]*gojsonschema.Schema)
}

func (v *Validator) inline(schema Document) (*gojsonschema.Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: schema is nil", errspkg.ErrInvalidSchema)
	}
	key, err := jsoncodec.Canonical(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidSchema, err)
	}
	return v.compile("inline:"+key, func() gojsonschema.JSONLoader {
		return gojsonschema.NewGoLoader(schema)
	})
}

func (v *Validator) file(ref string) (*gojsonschema.Schema, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: empty schema reference", errspkg.ErrInvalidSchema)
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.baseDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidSchema, err)
	}
	return v.compile("ref:"+abs, func() gojsonschema.JSONLoader {
		return gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
	})
}

func (v *Validator) compile(key string, loader func() gojsonschema.JSONLoader) (*gojsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	formatsMu.RLock()
	compiled, err := gojsonschema.NewSchema(loader())
	formatsMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidSchema, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.cache[key]; ok {
		return existing, nil
	}
	v.cache[key] = compiled
	return compiled, nil
}

func run(compiled *gojsonschema.Schema, value any) (Result, error) {
	formatsMu.RLock()
	res, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	formatsMu.RUnlock()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", errspkg.ErrInvalidSchema, err)
	}
	if res.Valid() {
		return Result{Valid: true}, nil
	}

	errs := make([]FieldError, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		errs = append(errs, FieldError{
			Field:   fieldPath(re),
			Message: re.Description(),
			Type:    re.Type(),
		})
	}
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Field != errs[j].Field {
			return errs[i].Field < errs[j].Field
		}
		if errs[i].Type != errs[j].Type {
			return errs[i].Type < errs[j].Type
		}
		return errs[i].Message < errs[j].Message
	})
	return Result{Valid: false, Errors: errs}, nil
}

// fieldPath attributes required and additionalProperties violations to the
// offending property rather than its parent object.
func fieldPath(re gojsonschema.ResultError) string {
	field := re.Field()
	switch re.Type() {
	case "required", "additional_property_not_allowed":
		prop, ok := re.Details()["property"].(string)
		if !ok || prop == "" {
			return field
		}
		if field == RootField {
			return prop
		}
		return field + "." + prop
	}
	return field
}

type regexFormat struct {
	re *regexp.Regexp
}

// IsFormat only constrains strings; other types pass.
func (f regexFormat) IsFormat(input any) bool {
	s, ok := input.(string)
	if !ok {
		return true
	}
	return f.re.MatchString(s)
}
