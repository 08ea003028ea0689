package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/internal/runtime/mapping"
)

// LoadError records one rejected rule file.
type LoadError struct {
	File string `json:"file"`
	Err  error  `json:"-"`
}

func (e LoadError) Error() string { return e.File + ": " + e.Err.Error() }

func (e LoadError) Unwrap() error { return e.Err }

// MarshalJSON renders the error message alongside the file.
func (e LoadError) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(map[string]string{"file": e.File, "error": e.Err.Error()})
}

// LoadResult is the report of one directory walk. Err is set only when the
// directory itself could not be read; per-file problems land in Errors.
type LoadResult struct {
	Rules  []Rule      `json:"rules"`
	Errors []LoadError `json:"errors,omitempty"`
	Err    error       `json:"-"`
}

// OK reports whether the walk itself succeeded.
func (r LoadResult) OK() bool { return r.Err == nil }

// Source produces a fresh rule set. The Store calls it on every reload.
type Source interface {
	Load(ctx context.Context) LoadResult
}

// Loader reads rule files from a directory tree.
type Loader struct {
	dir        string
	transforms *mapping.Registry
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithTransforms rejects rules naming transforms missing from reg.
func WithTransforms(reg *mapping.Registry) LoaderOption {
	return func(l *Loader) { l.transforms = reg }
}

// NewLoader returns a loader rooted at dir.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the directory the loader walks.
func (l *Loader) Dir() string { return l.dir }

// Load walks the directory in lexical order and parses every .json, .yaml and
// .yml file. Invalid files are reported and skipped; duplicate names keep the
// first rule seen.
func (l *Loader) Load(ctx context.Context) LoadResult {
	var res LoadResult

	info, err := os.Stat(l.dir)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", errspkg.ErrRulesUnreadable, err)
		return res
	}
	if !info.IsDir() {
		res.Err = fmt.Errorf("%w: %s is not a directory", errspkg.ErrRulesUnreadable, l.dir)
		return res
	}

	seen := make(map[string]string)
	walkErr := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == l.dir {
				return err
			}
			res.Errors = append(res.Errors, LoadError{File: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}

		rule, err := l.loadFile(path)
		if err != nil {
			res.Errors = append(res.Errors, LoadError{File: path, Err: err})
			return nil
		}
		if first, dup := seen[rule.Name]; dup {
			res.Errors = append(res.Errors, LoadError{
				File: path,
				Err:  fmt.Errorf("%w: %q already defined in %s", errspkg.ErrDuplicateRule, rule.Name, first),
			})
			return nil
		}
		seen[rule.Name] = path
		res.Rules = append(res.Rules, rule)
		return nil
	})
	if walkErr != nil {
		res.Err = fmt.Errorf("%w: %w", errspkg.ErrRulesUnreadable, walkErr)
	}
	return res
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFile(path string) (Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, err
	}
	doc, err := parseDocument(path, data)
	if err != nil {
		return Rule{}, err
	}
	rule, err := decodeRule(doc)
	if err != nil {
		return Rule{}, err
	}
	if l.transforms != nil {
		for i, m := range rule.Mappings {
			if m.Transform != "" && !l.transforms.Has(m.Transform) {
				return Rule{}, fmt.Errorf("mappings[%d]: %w: %s", i, errspkg.ErrUnknownTransform, m.Transform)
			}
		}
	}
	rule.Source = path
	return rule, nil
}

// parseDocument decodes a JSON or YAML rule file into the generic JSON shape.
// YAML is re-encoded through the JSON codec so numbers and nested maps match
// what JSON rules produce.
func parseDocument(path string, data []byte) (map[string]any, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", errspkg.ErrInvalidRule, err)
		}
		var err error
		if data, err = jsoncodec.Marshal(raw); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", errspkg.ErrInvalidRule, err)
		}
	}
	var doc map[string]any
	if err := jsoncodec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidRule, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is empty", errspkg.ErrInvalidRule)
	}
	return doc, nil
}
