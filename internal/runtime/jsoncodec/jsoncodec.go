// Package jsoncodec is the single JSON entry point for events, rule files,
// endpoint files and outbound payloads.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd sorts map keys, which keeps Canonical stable.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Canonical renders v with sorted keys so equal documents share one key.
func Canonical(v any) (string, error) {
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Normalize converts v into the generic JSON shape (map[string]any, []any,
// float64, string, bool, nil) that path addressing operates on.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v, nil
	}
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
