// Package funnel computes ordered step-wise conversion and drop-off
// across a population of sessions.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pagelift/pagelift/internal/event"
)

// ErrNoSteps is returned when an analysis is requested with no steps.
var ErrNoSteps = errors.New("funnel has no steps")

// Step is one ordered funnel stage. It is a pure specification supplied
// by the caller, not persisted state.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	EventType event.Type `json:"eventType"`
	Order     int        `json:"order"`
	ElementID *string    `json:"elementId,omitempty"`
}

// StepResult is the population outcome at one step.
type StepResult struct {
	Step Step `json:"step"`
	// Sessions is the count of distinct sessions that reached this step
	// in order.
	Sessions int `json:"sessions"`
	// DropOffFromPrevious is the percentage of the previous step's
	// sessions lost at this step. Zero for the first step.
	DropOffFromPrevious float64 `json:"dropOffFromPrevious"`
	// DropOffFromFirst is the percentage of the funnel base lost by this
	// step. Zero for the first step.
	DropOffFromFirst float64 `json:"dropOffFromFirst"`
}

// Result is a full funnel analysis.
type Result struct {
	Steps []StepResult `json:"steps"`
	// Base is the session count at the first step.
	Base int `json:"base"`
}

// Analyzer computes funnels over stored events. It is stateless and safe
// for concurrent use.
//
// Matching is strictly in-order: a session reaches step k only via an
// event whose timestamp is not before the event that satisfied step k-1.
// An out-of-order event (e.g. a conversion stamped before the click it
// followed) does not advance the funnel.
type Analyzer struct {
	events event.Repository
}

// NewAnalyzer creates a funnel analyzer over the given event store.
func NewAnalyzer(events event.Repository) *Analyzer {
	return &Analyzer{events: events}
}

// Analyze computes per-step session counts and drop-off for the ordered
// steps over all sessions in scope.
func (a *Analyzer) Analyze(ctx context.Context, scope event.Scope, steps []Step) (*Result, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	evs, err := a.events.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading funnel events: %w", err)
	}

	// Group per session; ListByScope returns events ordered by occurrence,
	// so each group stays time-ordered.
	bySession := make(map[string][]*event.Event)
	for _, e := range evs {
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	counts := make([]int, len(ordered))
	for _, sessionEvents := range bySession {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reached := a.walk(sessionEvents, ordered)
		for k := 0; k < reached; k++ {
			counts[k]++
		}
	}

	results := make([]StepResult, len(ordered))
	for i, step := range ordered {
		r := StepResult{Step: step, Sessions: counts[i]}
		if i > 0 {
			if counts[i-1] > 0 {
				r.DropOffFromPrevious = (1 - float64(counts[i])/float64(counts[i-1])) * 100
			}
			if counts[0] > 0 {
				r.DropOffFromFirst = (1 - float64(counts[i])/float64(counts[0])) * 100
			}
		}
		results[i] = r
	}

	return &Result{Steps: results, Base: counts[0]}, nil
}

// walk returns how many leading steps the session satisfied in order.
// Events must be sorted by occurrence time.
func (a *Analyzer) walk(events []*event.Event, steps []Step) int {
	idx := 0
	for _, e := range events {
		if idx >= len(steps) {
			break
		}
		if matches(e, steps[idx]) {
			idx++
		}
	}
	return idx
}

func matches(e *event.Event, step Step) bool {
	if e.Type != step.EventType {
		return false
	}
	if step.ElementID != nil {
		if e.ElementID == nil || *e.ElementID != *step.ElementID {
			return false
		}
	}
	return true
}
