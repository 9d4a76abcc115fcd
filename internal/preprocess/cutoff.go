// Package preprocess turns raw ingested records into analysis-ready ones:
// point-in-time cutoff enforcement, near-duplicate collapsing and novelty
// scoring. Everything here is pure batch computation with no I/O.
package preprocess

import (
	"fmt"
	"time"
)

// Window is the half-open membership interval (Start, End] for one trading
// day: records published at or before Start, or after End, do not belong to
// that day.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the window. The lower bound is
// exclusive and the upper bound inclusive.
func (w Window) Contains(ts time.Time) bool {
	return ts.After(w.Start) && !ts.After(w.End)
}

// CutoffOptions configures cutoff enforcement for one source.
type CutoffOptions struct {
	Location  *time.Location
	Hour      int
	Minute    int
	SafetyLag time.Duration
	Training  bool
	Now       func() time.Time
}

func (o CutoffOptions) withDefaults() CutoffOptions {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CutoffResult reports what a cutoff pass did, for the audit trail.
type CutoffResult struct {
	Window             Window
	AppliedAt          time.Time
	DroppedOutOfWindow int
	DroppedLate        int
}

// Compliance is the outcome of a non-filtering audit over curated records.
type Compliance struct {
	Compliant   bool
	Total       int
	OutOfWindow int
	Window      Window
}

// MembershipWindow computes the window for trading day T: from the cutoff
// time on the previous calendar day, exclusive, to the cutoff time on T,
// inclusive, both in the configured exchange timezone.
func MembershipWindow(dateT string, opts CutoffOptions) (Window, error) {
	opts = opts.withDefaults()
	day, err := time.ParseInLocation("2006-01-02", dateT, opts.Location)
	if err != nil {
		return Window{}, fmt.Errorf("parse trading date %q: %w", dateT, err)
	}
	return Window{
		Start: time.Date(day.Year(), day.Month(), day.Day()-1, opts.Hour, opts.Minute, 0, 0, opts.Location),
		End:   time.Date(day.Year(), day.Month(), day.Day(), opts.Hour, opts.Minute, 0, 0, opts.Location),
	}, nil
}

// ApplyCutoff filters records to those knowably available for trading day T.
// In training mode records published within SafetyLag of the window's upper
// edge are dropped too, counted separately from plain out-of-window drops.
// Empty input yields empty output and a populated audit result.
func ApplyCutoff[T any](records []T, ts func(T) time.Time, dateT string, opts CutoffOptions) ([]T, CutoffResult, error) {
	opts = opts.withDefaults()
	window, err := MembershipWindow(dateT, opts)
	if err != nil {
		return nil, CutoffResult{}, err
	}

	result := CutoffResult{Window: window, AppliedAt: opts.Now().UTC()}

	safetyEdge := window.End
	if opts.Training && opts.SafetyLag > 0 {
		safetyEdge = window.End.Add(-opts.SafetyLag)
	}

	kept := make([]T, 0, len(records))
	for _, record := range records {
		at := ts(record)
		if !window.Contains(at) {
			result.DroppedOutOfWindow++
			continue
		}
		if at.After(safetyEdge) {
			result.DroppedLate++
			continue
		}
		kept = append(kept, record)
	}

	return kept, result, nil
}

// ValidateCutoff audits records against the window for T without filtering.
func ValidateCutoff[T any](records []T, ts func(T) time.Time, dateT string, opts CutoffOptions) (Compliance, error) {
	window, err := MembershipWindow(dateT, opts)
	if err != nil {
		return Compliance{}, err
	}

	report := Compliance{Total: len(records), Window: window}
	for _, record := range records {
		if !window.Contains(ts(record)) {
			report.OutOfWindow++
		}
	}
	report.Compliant = report.OutOfWindow == 0

	return report, nil
}
