package domain

import (
	"strings"

	"pipeline_forecast_backend/platform/apperr"
)

// Stage is a discrete phase in an opportunity's lifecycle. The set of stages is
// closed; rule tables may enable a subset of it but never add new names.
type Stage string

const (
	StageDiscovery     Stage = "discovery"
	StageQualification Stage = "qualification"
	StageProposal      Stage = "proposal"
	StageNegotiation   Stage = "negotiation"
	StageClosedWon     Stage = "closed_won"
	StageClosedLost    Stage = "closed_lost"
)

// canonicalStages is the canonical ordering used for probability monotonicity
// and for presenting breakdowns.
var canonicalStages = []Stage{
	StageDiscovery,
	StageQualification,
	StageProposal,
	StageNegotiation,
	StageClosedWon,
	StageClosedLost,
}

// ParseStage converts a stage name into a Stage, rejecting unknown names.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	if !s.IsKnown() {
		return "", apperr.Validation("unknown pipeline stage").
			WithCode(CodeUnknownStage).
			WithDetails(map[string]string{"stage": name})
	}
	return s, nil
}

// IsKnown reports whether s is one of the enumerated stages.
func (s Stage) IsKnown() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether s is closed_won or closed_lost.
func (s Stage) IsTerminal() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// Rank returns the position of s in the canonical ordering, or -1.
func (s Stage) Rank() int {
	for i, c := range canonicalStages {
		if c == s {
			return i
		}
	}
	return -1
}

// CanonicalStages returns all stages in canonical order.
func CanonicalStages() []Stage {
	out := make([]Stage, len(canonicalStages))
	copy(out, canonicalStages)
	return out
}

func (s Stage) String() string { return string(s) }
