package mapping

import (
	"fmt"
	"strconv"
	"strings"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// RootMarker starts every address expression.
const RootMarker = "$"

// MaxIndex is the largest array index an address may use. Writes fill every
// slot up to the index, so larger values are rejected at parse time.
const MaxIndex = 1024

// Segment is one step of a Path: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed address expression such as $.data.names[0].given.
type Path struct {
	raw      string
	segments []Segment
}

// ParsePath parses an address expression. The grammar is the root marker
// followed by any number of ".key" or "[index]" steps.
func ParsePath(expr string) (Path, error) {
	if !strings.HasPrefix(expr, RootMarker) {
		return Path{}, pathError(expr, "must begin with "+RootMarker)
	}
	p := Path{raw: expr}
	rest := expr[len(RootMarker):]
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			key := rest[:end]
			if key == "" {
				return Path{}, pathError(expr, "empty key")
			}
			if strings.ContainsAny(key, "]") {
				return Path{}, pathError(expr, fmt.Sprintf("unexpected ']' in key %q", key))
			}
			p.segments = append(p.segments, Segment{Key: key})
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return Path{}, pathError(expr, "unterminated index")
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return Path{}, pathError(expr, fmt.Sprintf("invalid index %q", rest[1:end]))
			}
			if idx > MaxIndex {
				return Path{}, pathError(expr, fmt.Sprintf("index %d exceeds %d", idx, MaxIndex))
			}
			p.segments = append(p.segments, Segment{Index: idx, IsIndex: true})
			rest = rest[end+1:]
		default:
			return Path{}, pathError(expr, fmt.Sprintf("unexpected %q", rest[0]))
		}
	}
	return p, nil
}

// MustParsePath panics on malformed expressions. Intended for literals.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func pathError(expr, reason string) error {
	return fmt.Errorf("%w: %q %s", errspkg.ErrInvalidPath, expr, reason)
}

func (p Path) String() string { return p.raw }

// IsRoot reports whether the path addresses the whole document.
func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Segments returns the parsed steps.
func (p Path) Segments() []Segment { return p.segments }

// Get resolves the path against doc. Missing keys, out-of-range indices,
// type mismatches and JSON nulls all report absent.
func (p Path) Get(doc any) (any, bool) {
	current := doc
	for _, seg := range p.segments {
		if seg.IsIndex {
			arr, ok := current.([]any)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			current = arr[seg.Index]
		} else {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[seg.Key]
			if !ok {
				return nil, false
			}
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// Set writes value at the path inside doc, creating intermediate objects and
// array slots. A root path is rejected.
func (p Path) Set(doc map[string]any, value any) error {
	if p.IsRoot() {
		return pathError(p.raw, "cannot assign to the document root")
	}
	if p.segments[0].IsIndex {
		return pathError(p.raw, "document root is an object")
	}
	_, err := setIn(doc, p.segments, value, p.raw)
	return err
}

func setIn(container any, segs []Segment, value any, raw string) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	seg := segs[0]
	if seg.IsIndex {
		var arr []any
		switch c := container.(type) {
		case nil:
		case []any:
			arr = c
		default:
			return nil, pathError(raw, fmt.Sprintf("cannot index into %T", container))
		}
		for len(arr) <= seg.Index {
			arr = append(arr, nil)
		}
		child, err := setIn(arr[seg.Index], segs[1:], value, raw)
		if err != nil {
			return nil, err
		}
		arr[seg.Index] = child
		return arr, nil
	}

	var obj map[string]any
	switch c := container.(type) {
	case nil:
		obj = make(map[string]any)
	case map[string]any:
		obj = c
	default:
		return nil, pathError(raw, fmt.Sprintf("cannot set key %q on %T", seg.Key, container))
	}
	child, err := setIn(obj[seg.Key], segs[1:], value, raw)
	if err != nil {
		return nil, err
	}
	obj[seg.Key] = child
	return obj, nil
}
