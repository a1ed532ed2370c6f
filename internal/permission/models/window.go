package models

import (
	"time"

	dErrors "consentflow/pkg/domain-errors"
)

// Granularity is the resolution of the metering data a request asks for.
type Granularity string

const (
	GranularityPT15M Granularity = "PT15M"
	GranularityPT30M Granularity = "PT30M"
	GranularityPT1H  Granularity = "PT1H"
	GranularityP1D   Granularity = "P1D"
	GranularityP1M   Granularity = "P1M"
	GranularityP1Y   Granularity = "P1Y"
)

var validGranularities = map[Granularity]bool{
	GranularityPT15M: true,
	GranularityPT30M: true,
	GranularityPT1H:  true,
	GranularityP1D:   true,
	GranularityP1M:   true,
	GranularityP1Y:   true,
}

// ParseGranularity constructs a Granularity from external input.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if !validGranularities[g] {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported granularity: "+s)
	}
	return g, nil
}

func (g Granularity) IsValid() bool {
	return validGranularities[g]
}

// Window is the requested data timeframe. Start and End are calendar days in
// UTC; End is inclusive and nil for open-ended requests.
type Window struct {
	Start       time.Time   `json:"start"`
	End         *time.Time  `json:"end,omitempty"`
	Granularity Granularity `json:"granularity"`
}

// Date returns midnight UTC of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay reads a calendar day given as YYYY-MM-DD or as an RFC 3339
// timestamp. A timestamp keeps the day written in its own offset.
func ParseDay(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeInvalidInput, "not a calendar day: "+raw)
	}
	return Date(t.Year(), t.Month(), t.Day()), nil
}

// NewWindow builds a validated window. A nil end means open-ended.
func NewWindow(start time.Time, end *time.Time, granularity Granularity) (Window, error) {
	if start.IsZero() {
		return Window{}, dErrors.New(dErrors.CodeInvariantViolation, "window start is required")
	}
	if !granularity.IsValid() {
		return Window{}, dErrors.New(dErrors.CodeInvariantViolation, "unsupported granularity")
	}
	w := Window{Start: Day(start), Granularity: granularity}
	if end != nil {
		e := Day(*end)
		if e.Before(w.Start) {
			return Window{}, dErrors.New(dErrors.CodeInvariantViolation, "window end must not be before start")
		}
		w.End = &e
	}
	return w, nil
}

func (w Window) IsBounded() bool {
	return w.End != nil
}

// CoveredBy reports whether data observed up to dataEnd covers the whole
// window. Comparison happens at day resolution: the end day is inclusive, so
// dataEnd must fall on a later day than End.
func (w Window) CoveredBy(dataEnd time.Time) bool {
	if w.End == nil {
		return false
	}
	return Day(dataEnd).After(*w.End)
}

// HasStarted reports whether the window start lies at or before now.
func (w Window) HasStarted(now time.Time) bool {
	return !w.Start.After(Day(now))
}
