package rules

import (
	"context"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// RuleSet is the read side of the Store the matcher depends on.
type RuleSet interface {
	GetRules(ctx context.Context, forceReload bool) []Rule
}

// MatchError is a client-side matching failure. Its message is suitable for
// returning to the caller verbatim.
type MatchError struct {
	Msg string
	Err error
}

func (e *MatchError) Error() string { return e.Msg }

func (e *MatchError) Unwrap() error { return e.Err }

// MatchResult carries either the resolved rule or the reason none was found.
type MatchResult struct {
	Matched bool
	Rule    Rule
	Err     error
}

// Matcher resolves the single rule an event should be transformed with.
type Matcher struct {
	rules RuleSet
}

// NewMatcher returns a matcher reading from rules.
func NewMatcher(rules RuleSet) *Matcher {
	return &Matcher{rules: rules}
}

// Match looks up ruleName when given, otherwise the first enabled rule whose
// event type equals the event's type, in load order.
func (m *Matcher) Match(ctx context.Context, evt cloudevents.Event, ruleName string) MatchResult {
	rules := m.rules.GetRules(ctx, false)

	if ruleName != "" {
		for _, r := range rules {
			if r.Name != ruleName {
				continue
			}
			if !r.Enabled {
				return MatchResult{Err: &MatchError{Msg: "Rule is disabled: " + ruleName, Err: errspkg.ErrRuleDisabled}}
			}
			return MatchResult{Matched: true, Rule: r}
		}
		return MatchResult{Err: &MatchError{Msg: "Rule not found: " + ruleName, Err: errspkg.ErrRuleNotFound}}
	}

	for _, r := range rules {
		if r.Enabled && r.EventType == evt.Type {
			return MatchResult{Matched: true, Rule: r}
		}
	}
	return MatchResult{Err: &MatchError{
		Msg: "No enabled rule for event type: " + evt.Type,
		Err: errspkg.ErrNoMatchingRule,
	}}
}
