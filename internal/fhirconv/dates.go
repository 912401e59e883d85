package fhirconv

import (
	"fmt"
	"time"
)

const (
	inputDateLayout     = "20060102"
	inputDateTimeLayout = "20060102T150405"
	fhirDateLayout      = "2006-01-02"
	fhirDateTimeLayout  = "2006-01-02T15:04:05"
	utcOffset           = "+00:00"
)

// formatDate converts an 8-digit YYYYMMDD date to a FHIR date.
func formatDate(value string) (string, error) {
	if len(value) != len(inputDateLayout) {
		return "", fmt.Errorf("expected %d characters, got %d", len(inputDateLayout), len(value))
	}
	t, err := time.Parse(inputDateLayout, value)
	if err != nil {
		return "", fmt.Errorf("invalid date %q", value)
	}
	return t.Format(fhirDateLayout), nil
}

// formatDateTime accepts either an 8-digit date or a 15-character
// YYYYMMDDTHHMMSS timestamp. Timestamps are interpreted as UTC.
func formatDateTime(value string) (string, error) {
	switch len(value) {
	case len(inputDateLayout):
		return formatDate(value)
	case len(inputDateTimeLayout):
		t, err := time.Parse(inputDateTimeLayout, value)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp %q", value)
		}
		return t.Format(fhirDateTimeLayout) + utcOffset, nil
	default:
		return "", fmt.Errorf("expected %d or %d characters, got %d", len(inputDateLayout), len(inputDateTimeLayout), len(value))
	}
}
