package domain

import (
	"fmt"

	"pipeline_forecast_backend/platform/apperr"
)

// Reason codes attached to rejected commands.
const (
	CodeInvalidTransition  = "invalid_transition"
	CodeInvalidProbability = "invalid_probability"
	CodeInvalidAmount      = "invalid_amount"
	CodeInvalidPeriod      = "invalid_period"
	CodeUnknownStage       = "unknown_stage"
	CodeInvalidRules       = "invalid_stage_rules"
)

func invalidTransition(from, to Stage, reason string) *apperr.Error {
	return apperr.Conflict(fmt.Sprintf("cannot move opportunity from %s to %s: %s", from, to, reason)).
		WithCode(CodeInvalidTransition).
		WithDetails(map[string]string{"from": string(from), "to": string(to)})
}

func invalidProbability(p int) *apperr.Error {
	return apperr.Validation(fmt.Sprintf("probability %d is outside [0,100]", p)).
		WithCode(CodeInvalidProbability).
		WithDetails(map[string]int{"probability": p})
}

func invalidRules(format string, args ...any) *apperr.Error {
	return apperr.Validation(fmt.Sprintf(format, args...)).WithCode(CodeInvalidRules)
}

// IsInvalidTransition reports whether err rejected an illegal stage change.
func IsInvalidTransition(err error) bool {
	return apperr.GetCode(err) == CodeInvalidTransition
}

// IsInvalidProbability reports whether err rejected an out of range override.
func IsInvalidProbability(err error) bool {
	return apperr.GetCode(err) == CodeInvalidProbability
}
