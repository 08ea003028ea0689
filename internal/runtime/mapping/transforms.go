package mapping

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// Func converts one extracted value. Returning an error fails the field.
type Func func(value any) (any, error)

// Built-in transform names.
const (
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformTrim      = "trim"
	TransformToString  = "toString"
	TransformToNumber  = "toNumber"
	TransformToBoolean = "toBoolean"
	TransformToDate    = "toDate"
	TransformToGender  = "toGender"
	TransformUUID      = "uuid"
	TransformULID      = "ulid"
)

// Registry is a concurrency-safe table of named transforms.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry pre-populated with the built-in transforms.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{
		TransformUppercase: stringFunc(strings.ToUpper),
		TransformLowercase: stringFunc(strings.ToLower),
		TransformTrim:      stringFunc(strings.TrimSpace),
		TransformToString:  toString,
		TransformToNumber:  toNumber,
		TransformToBoolean: toBoolean,
		TransformToDate:    toDate,
		TransformToGender:  toGender,
		TransformUUID:      func(any) (any, error) { return idspkg.CreateUUID(), nil },
		TransformULID:      func(any) (any, error) { return idspkg.CreateULID(), nil },
	}}
}

// Register adds a custom transform. Names are unique, built-ins included.
func (r *Registry) Register(name string, fn Func) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("transform name is required")
	}
	if fn == nil {
		return fmt.Errorf("transform %q: function is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("transform %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the transform registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names lists registered transforms in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

func unsupported(name string, value any) error {
	return fmt.Errorf("%s cannot convert %s", name, describe(value))
}

func describe(value any) string {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v)
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}

func stringFunc(fn func(string) string) Func {
	return func(value any) (any, error) {
		s, err := scalarString(value)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func scalarString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case map[string]any, []any:
		return "", unsupported(TransformToString, value)
	default:
		out, err := toString(v)
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}
}

func toString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case map[string]any, []any:
		out, err := jsoncodec.Canonical(v)
		if err != nil {
			return nil, fmt.Errorf("toString: %w", err)
		}
		return out, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func toNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, unsupported(TransformToNumber, value)
		}
		return f, nil
	default:
		return nil, unsupported(TransformToNumber, value)
	}
}

func toBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off", "":
			return false, nil
		}
	}
	return nil, unsupported(TransformToBoolean, value)
}

// toDate normalises timestamps to RFC3339 in UTC. Numbers are epoch seconds,
// or epoch milliseconds above 1e12.
func toDate(value any) (any, error) {
	switch v := value.(type) {
	case string:
		t, err := cloudevents.ParseTime(strings.TrimSpace(v))
		if err != nil {
			return nil, unsupported(TransformToDate, value)
		}
		return cloudevents.FormatTime(t), nil
	case float64:
		if v > 1e12 {
			return cloudevents.FormatTime(time.UnixMilli(int64(v))), nil
		}
		return cloudevents.FormatTime(time.Unix(int64(v), 0)), nil
	case int64:
		return toDate(float64(v))
	case int:
		return toDate(float64(v))
	default:
		return nil, unsupported(TransformToDate, value)
	}
}

var genderCodes = map[string]string{
	"m":          "male",
	"male":       "male",
	"man":        "male",
	"f":          "female",
	"female":     "female",
	"woman":      "female",
	"o":          "other",
	"other":      "other",
	"x":          "other",
	"nonbinary":  "other",
	"non-binary": "other",
	"u":          "unknown",
	"unk":        "unknown",
	"unknown":    "unknown",
}

// toGender maps common gender codes onto male, female, other or unknown.
// Unrecognised values pass through untouched.
func toGender(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	if code, ok := genderCodes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return code, nil
	}
	return value, nil
}
