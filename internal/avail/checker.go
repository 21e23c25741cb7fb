// Package avail answers whether a candidate reservation would
// double-book an area already held by another event.
//
// The check is advisory: it runs once on the request path and the
// caller performs a separate write afterwards. Two concurrent callers
// targeting the same area and window can therefore both pass; callers
// needing a hard guarantee must serialize their writes themselves.
package avail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/municipio-digital/agenda/internal/event"
)

// Request describes a candidate reservation.
type Request struct {
	Areas    []string
	DateFrom time.Time
	DateTo   time.Time
	TimeFrom string // "HH:mm"
	TimeTo   string // "HH:mm"

	// ExcludeID skips one event during the check. Set to the event's
	// own ID when re-checking an update so it does not conflict with
	// itself.
	ExcludeID string
}

// Conflict is one (area, event) pair blocking the candidate.
type Conflict struct {
	Area    string `json:"area"`
	EventID string `json:"event_id"`
	Title   string `json:"title"`
}

// ConflictError aggregates every conflict found. Partial success is
// not possible: if any conflict exists, the whole reservation must be
// rejected or adjusted.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d booking conflict(s):", len(e.Conflicts))
	for _, c := range e.Conflicts {
		fmt.Fprintf(&b, " [area %s: %q (%s)]", c.Area, c.Title, c.EventID)
	}
	return b.String()
}

// CandidateSource fetches the existing events a candidate could clash
// with: non-terminal, date range intersecting [dateFrom, dateTo],
// minus excludeID. Implemented by *store.Store.
type CandidateSource interface {
	ConflictCandidates(ctx context.Context, dateFrom, dateTo time.Time, excludeID string) ([]event.Event, error)
}

// Checker runs availability checks against a candidate source.
type Checker struct {
	src CandidateSource
}

// New creates a Checker reading candidates from src.
func New(src CandidateSource) *Checker {
	return &Checker{src: src}
}

// Check reports whether the candidate reservation is free of
// conflicts. Returns nil when the areas are available, a
// *ConflictError listing every clash otherwise.
//
// Two events clash when they share at least one area, their date
// ranges intersect, and their daily time windows overlap under the
// half-open rule: candidate.timeFrom < existing.timeTo AND
// existing.timeFrom < candidate.timeTo. Equal boundaries do not
// overlap, so back-to-back bookings on the same area are allowed.
func (c *Checker) Check(ctx context.Context, req Request) error {
	from, err := event.MinuteOfDay(req.TimeFrom)
	if err != nil {
		return fmt.Errorf("availability check: timeFrom: %w", err)
	}
	to, err := event.MinuteOfDay(req.TimeTo)
	if err != nil {
		return fmt.Errorf("availability check: timeTo: %w", err)
	}

	existing, err := c.src.ConflictCandidates(ctx, req.DateFrom, req.DateTo, req.ExcludeID)
	if err != nil {
		return fmt.Errorf("availability check: %w", err)
	}

	var conflicts []Conflict
	for _, ev := range existing {
		shared := sharedAreas(req.Areas, ev.Areas)
		if len(shared) == 0 {
			continue
		}

		evFrom, err := event.MinuteOfDay(ev.TimeFrom)
		if err != nil {
			return fmt.Errorf("availability check: event %s: %w", ev.ID, err)
		}
		evTo, err := event.MinuteOfDay(ev.TimeTo)
		if err != nil {
			return fmt.Errorf("availability check: event %s: %w", ev.ID, err)
		}

		if from < evTo && evFrom < to {
			for _, area := range shared {
				conflicts = append(conflicts, Conflict{
					Area:    area,
					EventID: ev.ID,
					Title:   ev.Title,
				})
			}
		}
	}

	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// sharedAreas returns the tags present in both sets, in the order of
// the first.
func sharedAreas(want, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, a := range have {
		set[a] = true
	}
	var shared []string
	for _, a := range want {
		if set[a] {
			shared = append(shared, a)
		}
	}
	return shared
}
