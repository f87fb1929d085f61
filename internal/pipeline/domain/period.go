package domain

import (
	"regexp"
	"strings"

	"pipeline_forecast_backend/platform/apperr"
)

// Period is an expected-close fiscal quarter in the form YYYY-Qn.
type Period string

var periodPattern = regexp.MustCompile(`^\d{4}-Q[1-4]$`)

// ParsePeriod validates and normalizes a period string.
func ParsePeriod(value string) (Period, error) {
	p := strings.ToUpper(strings.TrimSpace(value))
	if !periodPattern.MatchString(p) {
		return "", apperr.Validation("period must look like 2026-Q4").
			WithCode(CodeInvalidPeriod).
			WithDetails(map[string]string{"period": value})
	}
	return Period(p), nil
}

func (p Period) String() string { return string(p) }
