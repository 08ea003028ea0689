// Package rules loads transformation recipes from disk, caches them with a
// TTL and resolves the recipe an inbound event should use.
package rules

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/mapping"
)

// Rule is a declarative recipe projecting one event shape into one target
// document. Rules are immutable once loaded.
type Rule struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	EventType    string                 `json:"eventType"`
	TargetFormat string                 `json:"targetFormat"`
	Enabled      bool                   `json:"enabled"`
	Mappings     []mapping.FieldMapping `json:"mappings"`
	OutputSchema string                 `json:"outputSchema,omitempty"`
	Destination  string                 `json:"destination,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Source       string                 `json:"source,omitempty"`
}

// decodeRule builds a Rule from a generic JSON document, reporting the first
// structural problem it finds.
func decodeRule(doc map[string]any) (Rule, error) {
	var r Rule
	var err error

	if r.Name, err = requiredString(doc, "name"); err != nil {
		return Rule{}, err
	}
	if r.EventType, err = requiredString(doc, "eventType"); err != nil {
		return Rule{}, err
	}
	if r.TargetFormat, err = requiredString(doc, "targetFormat"); err != nil {
		return Rule{}, err
	}
	if r.Description, err = optionalString(doc, "description"); err != nil {
		return Rule{}, err
	}
	if r.OutputSchema, err = optionalString(doc, "outputSchema"); err != nil {
		return Rule{}, err
	}
	if r.Destination, err = optionalString(doc, "destination"); err != nil {
		return Rule{}, err
	}

	r.Enabled = true
	if v, ok := doc["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Rule{}, invalidRule("enabled must be a boolean")
		}
		r.Enabled = b
	}

	if v, ok := doc["metadata"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return Rule{}, invalidRule("metadata must be an object")
		}
		r.Metadata = m
	}

	raw, ok := doc["mappings"].([]any)
	if !ok || len(raw) == 0 {
		return Rule{}, invalidRule("mappings must be a non-empty array")
	}
	r.Mappings = make([]mapping.FieldMapping, 0, len(raw))
	for i, item := range raw {
		m, err := decodeMapping(item)
		if err != nil {
			return Rule{}, fmt.Errorf("mappings[%d]: %w", i, err)
		}
		r.Mappings = append(r.Mappings, m)
	}
	return r, nil
}

func decodeMapping(item any) (mapping.FieldMapping, error) {
	doc, ok := item.(map[string]any)
	if !ok {
		return mapping.FieldMapping{}, invalidRule("mapping must be an object")
	}
	var m mapping.FieldMapping
	var err error
	if m.Source, err = requiredString(doc, "source"); err != nil {
		return m, err
	}
	if m.Target, err = requiredString(doc, "target"); err != nil {
		return m, err
	}
	if m.Transform, err = optionalString(doc, "transform"); err != nil {
		return m, err
	}
	if v, ok := doc["required"]; ok {
		b, ok := v.(bool)
		if !ok {
			return m, invalidRule("required must be a boolean")
		}
		m.Required = b
	}
	m.Default, m.HasDefault = doc["defaultValue"]

	if _, err := mapping.ParsePath(m.Source); err != nil {
		return m, fmt.Errorf("%w: source: %w", errspkg.ErrInvalidRule, err)
	}
	target, err := mapping.ParsePath(m.Target)
	if err != nil {
		return m, fmt.Errorf("%w: target: %w", errspkg.ErrInvalidRule, err)
	}
	if target.IsRoot() {
		return m, invalidRule("target must address a field")
	}
	return m, nil
}

func requiredString(doc map[string]any, key string) (string, error) {
	s, err := optionalString(doc, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", invalidRule(key + " is required")
	}
	return s, nil
}

func optionalString(doc map[string]any, key string) (string, error) {
	v, ok := doc[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidRule(key + " must be a string")
	}
	return s, nil
}

func invalidRule(reason string) error {
	return fmt.Errorf("%w: %s", errspkg.ErrInvalidRule, reason)
}
