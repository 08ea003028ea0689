package errors

import sterrors "errors"

var (
	ErrInvalidRule       = sterrors.New("relayflow: invalid rule")
	ErrDuplicateRule     = sterrors.New("relayflow: duplicate rule name")
	ErrRulesUnreadable   = sterrors.New("relayflow: rule directory unreadable")
	ErrRuleNotFound      = sterrors.New("relayflow: rule not found")
	ErrRuleDisabled      = sterrors.New("relayflow: rule is disabled")
	ErrNoMatchingRule    = sterrors.New("relayflow: no matching rule")
	ErrInvalidEvent      = sterrors.New("relayflow: invalid event")
	ErrInvalidPath       = sterrors.New("relayflow: invalid address expression")
	ErrUnknownTransform  = sterrors.New("relayflow: unknown transform")
	ErrTransformFailed   = sterrors.New("relayflow: transformation failed")
	ErrRequiredField     = sterrors.New("relayflow: required field missing")
	ErrInvalidSchema     = sterrors.New("relayflow: invalid schema")
	ErrOutputInvalid     = sterrors.New("relayflow: output failed schema validation")
	ErrInvalidEndpoint   = sterrors.New("relayflow: invalid endpoint")
	ErrDeliveryFailed    = sterrors.New("relayflow: delivery failed")
	ErrCircuitOpen       = sterrors.New("relayflow: circuit open")
	ErrPublisherRequired = sterrors.New("relayflow: publisher is required")
	ErrTopicRequired     = sterrors.New("relayflow: topic is required")
)
