// Package session provides the visitor session model, repositories, and
// the bounded LRU cache used by the ingestion pipeline.
package session

import "time"

// Session is one visitor's stay on a published page. The client generates
// the opaque SessionID; attribution fields are captured once at creation
// and never updated afterwards.
type Session struct {
	// ID is the durable row identifier.
	ID string
	// SessionID is the client-generated opaque identifier.
	SessionID string
	VisitorID string

	WorkspaceID string
	PageID      string
	// VariantID is the experiment arm this session was bucketed into,
	// if the page runs a test.
	VariantID *string

	Referrer    *string
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	Country     *string
	UserAgent   string

	StartedAt time.Time
}

// clone returns a deep copy so repository callers never share pointers
// with stored state.
func (s *Session) clone() *Session {
	c := *s
	c.VariantID = clonePtr(s.VariantID)
	c.Referrer = clonePtr(s.Referrer)
	c.UTMSource = clonePtr(s.UTMSource)
	c.UTMMedium = clonePtr(s.UTMMedium)
	c.UTMCampaign = clonePtr(s.UTMCampaign)
	c.Country = clonePtr(s.Country)
	return &c
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
