package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pagelift/pagelift/internal/abtest"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/page"
	"github.com/pagelift/pagelift/internal/session"
)

var (
	// ErrEmptyBatch is returned for a batch with zero events.
	ErrEmptyBatch = errors.New("batch contains no events")

	// ErrWorkspaceMismatch is returned when the page does not belong to
	// the claimed workspace.
	ErrWorkspaceMismatch = errors.New("page does not belong to workspace")
)

// IncomingEvent is one raw client event inside a tracking batch.
type IncomingEvent struct {
	SessionID string
	VisitorID string
	VariantID *string

	Type            event.Type
	ElementID       *string
	IsConversion    bool
	ConversionValue *float64
	Data            map[string]any

	// Attribution, used only when this event's session is created.
	Referrer    *string
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	Country     *string

	Timestamp time.Time
}

// Batch is one tracking request's worth of events.
type Batch struct {
	WorkspaceSlug string
	PageID        string
	UserAgent     string
	Events        []IncomingEvent
}

// Result summarizes a processed batch.
type Result struct {
	EventsProcessed int
	SessionsCreated int
}

// Pipeline resolves sessions, persists events, and applies variant
// counter deltas for incoming batches.
//
// Session creation is best-effort deduplicated: the pipeline itself holds
// no cross-request lock on a session ID, so two concurrent first-touch
// requests can both reach the store's insert. The session repository's
// conditional insert makes the durable layer converge on one record, but
// at-most-one-create per ID within this process is not a hard guarantee.
type Pipeline struct {
	pages    page.Repository
	sessions session.Repository
	cache    *session.Cache
	events   event.Repository
	variants abtest.Repository
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates an ingestion pipeline. metrics may be nil.
func NewPipeline(
	pages page.Repository,
	sessions session.Repository,
	cache *session.Cache,
	events event.Repository,
	variants abtest.Repository,
	metrics *Metrics,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		pages:    pages,
		sessions: sessions,
		cache:    cache,
		events:   events,
		variants: variants,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs one batch through the pipeline. A failure at any step
// aborts the whole batch; there is no partial success, so callers retry
// the full batch.
func (p *Pipeline) Process(ctx context.Context, batch Batch) (*Result, error) {
	start := p.now()

	res, err := p.process(ctx, batch)
	if err != nil {
		p.metrics.incError()
		return nil, err
	}

	p.metrics.observeBatch(p.now().Sub(start).Seconds(), res.EventsProcessed, res.SessionsCreated)
	p.logger.InfoContext(ctx, "batch processed",
		"workspace", batch.WorkspaceSlug,
		"page_id", batch.PageID,
		"events", res.EventsProcessed,
		"sessions_created", res.SessionsCreated,
	)
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, batch Batch) (*Result, error) {
	if len(batch.Events) == 0 {
		return nil, ErrEmptyBatch
	}

	// The page/workspace check happens once per batch, not per event or
	// per session. Events for sessions that span other pages ride on this
	// batch-level trust boundary.
	pg, err := p.pages.GetByID(ctx, batch.PageID)
	if err != nil {
		return nil, fmt.Errorf("validating page %s: %w", batch.PageID, err)
	}
	if pg.WorkspaceSlug != batch.WorkspaceSlug {
		return nil, ErrWorkspaceMismatch
	}

	// Resolve each distinct session once per batch: batch-local map ->
	// LRU cache -> durable store -> create. The three tiers collapse N
	// events for one session within a request into at most one creation.
	resolved := make(map[string]*session.Session)
	created := 0
	for i := range batch.Events {
		ev := &batch.Events[i]
		if _, ok := resolved[ev.SessionID]; ok {
			continue
		}

		s, madeNew, err := p.resolveSession(ctx, pg, batch.UserAgent, ev)
		if err != nil {
			return nil, fmt.Errorf("resolving session %s: %w", ev.SessionID, err)
		}
		resolved[ev.SessionID] = s
		if madeNew {
			created++
		}
	}

	// Append one immutable event per input, then persist them in one write.
	now := p.now()
	events := make([]*event.Event, len(batch.Events))
	for i := range batch.Events {
		ev := &batch.Events[i]
		occurred := ev.Timestamp
		if occurred.IsZero() {
			occurred = now
		}
		events[i] = &event.Event{
			ID:              uuid.New().String(),
			SessionID:       resolved[ev.SessionID].ID,
			WorkspaceID:     pg.WorkspaceID,
			PageID:          pg.ID,
			VariantID:       ev.VariantID,
			Type:            ev.Type,
			ElementID:       ev.ElementID,
			IsConversion:    ev.IsConversion,
			ConversionValue: ev.ConversionValue,
			Data:            ev.Data,
			OccurredAt:      occurred,
			CreatedAt:       now,
		}
	}
	if err := p.events.InsertBatch(ctx, events); err != nil {
		return nil, fmt.Errorf("persisting events: %w", err)
	}

	// Tally variant deltas for the batch and apply them in a single
	// transaction so concurrent batches never lose increments.
	deltas := make(map[string]abtest.VariantDelta)
	for i := range batch.Events {
		ev := &batch.Events[i]
		if ev.VariantID == nil {
			continue
		}
		d := deltas[*ev.VariantID]
		d.Impressions++
		if ev.IsConversion || ev.Type == event.TypeConversion {
			d.Conversions++
		}
		deltas[*ev.VariantID] = d
	}
	if len(deltas) > 0 {
		if err := p.variants.ApplyVariantDeltas(ctx, deltas); err != nil {
			return nil, fmt.Errorf("applying variant deltas: %w", err)
		}
	}

	return &Result{EventsProcessed: len(events), SessionsCreated: created}, nil
}

// resolveSession finds or creates the durable session for one event.
func (p *Pipeline) resolveSession(ctx context.Context, pg *page.Page, userAgent string, ev *IncomingEvent) (*session.Session, bool, error) {
	if s, ok := p.cache.Get(ev.SessionID); ok {
		p.metrics.incCacheHit()
		return s, false, nil
	}
	p.metrics.incCacheMiss()

	s, err := p.sessions.GetBySessionID(ctx, ev.SessionID)
	if err == nil {
		p.cache.Add(ev.SessionID, s)
		return s, false, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, false, err
	}

	// Seed the new session from the first event's attribution data and
	// the request's user agent.
	startedAt := ev.Timestamp
	if startedAt.IsZero() {
		startedAt = p.now()
	}
	fresh := &session.Session{
		ID:          uuid.New().String(),
		SessionID:   ev.SessionID,
		VisitorID:   ev.VisitorID,
		WorkspaceID: pg.WorkspaceID,
		PageID:      pg.ID,
		VariantID:   ev.VariantID,
		Referrer:    ev.Referrer,
		UTMSource:   ev.UTMSource,
		UTMMedium:   ev.UTMMedium,
		UTMCampaign: ev.UTMCampaign,
		Country:     ev.Country,
		UserAgent:   userAgent,
		StartedAt:   startedAt,
	}

	// The insert is conditional on the client session ID, so if another
	// request created the session in the meantime we get that record back.
	stored, err := p.sessions.Insert(ctx, fresh)
	if err != nil {
		return nil, false, err
	}
	p.cache.Add(ev.SessionID, stored)
	return stored, stored.ID == fresh.ID, nil
}
