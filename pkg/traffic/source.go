package traffic

import (
	"strings"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

// SourceType names an upstream event stream.
type SourceType string

const (
	Visits      SourceType = "visits"
	Clicks      SourceType = "clicks"
	Conversions SourceType = "conversions"
)

// AllSources returns every source type in ingestion order.
func AllSources() []SourceType {
	return []SourceType{Visits, Clicks, Conversions}
}

// ParseSource converts a user supplied name into a SourceType.
func ParseSource(s string) (SourceType, error) {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case Visits:
		return Visits, nil
	case Clicks:
		return Clicks, nil
	case Conversions:
		return Conversions, nil
	}
	return "", errs.Config("parse source", "unknown source type %q (want visits, clicks or conversions)", s)
}

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == Visits || s == Clicks || s == Conversions
}
