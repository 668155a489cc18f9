// Package event provides the immutable analytics event model and its
// repositories. Events are append-only; nothing in this package updates
// or deletes a stored event.
package event

import "time"

// Type enumerates the kinds of analytics events a published page emits.
type Type string

// Recognized event types.
const (
	TypePageView   Type = "page_view"
	TypeClick      Type = "click"
	TypeFormSubmit Type = "form_submit"
	TypeScroll     Type = "scroll"
	TypeTimeOnPage Type = "time_on_page"
	TypeConversion Type = "conversion"
)

// Valid reports whether t is a recognized event type.
func (t Type) Valid() bool {
	switch t {
	case TypePageView, TypeClick, TypeFormSubmit, TypeScroll, TypeTimeOnPage, TypeConversion:
		return true
	}
	return false
}

// Event is one recorded visitor interaction, referencing the durable
// session that produced it.
type Event struct {
	ID string
	// SessionID references the durable session row, not the client's
	// opaque session identifier.
	SessionID   string
	WorkspaceID string
	PageID      string
	VariantID   *string

	Type            Type
	ElementID       *string
	IsConversion    bool
	ConversionValue *float64
	Data            map[string]any

	OccurredAt time.Time
	CreatedAt  time.Time
}

// clone returns a deep copy so repositories never hand out shared state.
func (e *Event) clone() *Event {
	c := *e
	if e.VariantID != nil {
		v := *e.VariantID
		c.VariantID = &v
	}
	if e.ElementID != nil {
		v := *e.ElementID
		c.ElementID = &v
	}
	if e.ConversionValue != nil {
		v := *e.ConversionValue
		c.ConversionValue = &v
	}
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}
