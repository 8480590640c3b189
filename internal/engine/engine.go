// Package engine implements the core matching algorithm: on each incoming
// request it searches the candidate store for a compatible waiting partner,
// and either confirms a pairing or parks the request with a scheduled expiry.
//
// Safety under concurrent workers relies entirely on the store's atomic
// Remove: whichever worker removes a candidate first owns it, and a nil
// removal result means the candidate was consumed elsewhere and the search
// must be retried. There is no lock around the search-then-remove sequence.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/peerprep/match-app/internal/history"
	"github.com/peerprep/match-app/internal/metrics"
	"github.com/peerprep/match-app/internal/store"
)

const (
	// DefaultMatchTimeout is how long a request waits before expiring.
	DefaultMatchTimeout = 30 * time.Second

	// searchAttempts bounds how often a worker re-searches after losing a
	// removal race, so contention cannot live-lock a request.
	searchAttempts = 3

	// Transient store errors are retried with linear backoff before the
	// operation is surfaced to the queue for redelivery.
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
)

// SessionCreator materializes a confirmed pairing into a collaboration
// session. Implemented by collab.Client.
type SessionCreator interface {
	CreateSession(ctx context.Context, user1ID, user2ID, category, complexity string) (string, error)
}

// Notifier publishes terminal-state events to a user's push channel.
// Implemented by messaging.NATSClient.
type Notifier interface {
	PublishEvent(userID string, data []byte) error
}

// Recorder persists completed matches. Implemented by history.Store.
type Recorder interface {
	Record(ctx context.Context, m *history.Match) error
}

// ExpiryScheduler schedules delayed expiry jobs. Implemented by
// expiry.Scheduler.
type ExpiryScheduler interface {
	Schedule(ctx context.Context, requestID string, dueAt time.Time) error
}

// Engine executes the matching state machine for submitted requests,
// expiry jobs, and cancellations.
type Engine struct {
	store        *store.Store
	scheduler    ExpiryScheduler
	collab       SessionCreator
	history      Recorder
	notifier     Notifier
	matchTimeout time.Duration
}

// New creates an Engine. A non-positive matchTimeout falls back to
// DefaultMatchTimeout.
func New(st *store.Store, scheduler ExpiryScheduler, collab SessionCreator, hist Recorder, notifier Notifier, matchTimeout time.Duration) *Engine {
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	return &Engine{
		store:        st,
		scheduler:    scheduler,
		collab:       collab,
		history:      hist,
		notifier:     notifier,
		matchTimeout: matchTimeout,
	}
}

// HandleSubmit processes one delivery of a submitted match request. A nil
// return means the delivery may be acked; an error means the store or
// scheduler was unavailable and the message should be redelivered.
//
// The queue delivers at least once, so every path here is idempotent:
// already-resolved requests are skipped via the processed marker, and
// re-inserting a waiting request is a no-op.
func (e *Engine) HandleSubmit(ctx context.Context, msg *SubmitMessage) error {
	req := &store.MatchRequest{
		RequestID:  msg.RequestID,
		UserID:     msg.UserID,
		Categories: store.NormalizeCategories(msg.Categories),
		Complexity: msg.Complexity,
		EnqueuedAt: msg.EnqueuedAt,
	}

	// The gateway validates before queueing; a malformed message here is a
	// poison payload, not a caller error. Reject it so it is not redelivered
	// forever.
	if req.RequestID == "" || req.UserID == "" || req.Categories == nil || !store.ValidComplexity(req.Complexity) {
		log.Printf("[engine] rejected malformed request id=%q user=%q", msg.RequestID, msg.UserID)
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		if req.UserID != "" {
			e.publishEvent(req.UserID, Event{
				Type:      EventMatchInvalid,
				RequestID: req.RequestID,
				Reason:    ReasonInvalidRequest,
			})
		}
		return nil
	}

	done, err := e.store.Processed(ctx, req.RequestID)
	if err != nil {
		return fmt.Errorf("engine: check processed: %w", err)
	}
	if done {
		log.Printf("[engine] duplicate delivery of resolved request %s, skipping", req.RequestID)
		return nil
	}

	// A redelivered request may already be waiting in the store. Claim it
	// first so no other worker can pair it through a partition while this
	// delivery re-processes it.
	var prev *store.MatchRequest
	err = e.withRetry(func() error {
		var rerr error
		prev, rerr = e.store.Remove(ctx, req.RequestID)
		return rerr
	})
	if err != nil {
		return fmt.Errorf("engine: claim own request: %w", err)
	}
	if prev != nil {
		req = prev
	}

	for attempt := 1; attempt <= searchAttempts; attempt++ {
		var candidate *store.MatchRequest
		err := e.withRetry(func() error {
			var ferr error
			candidate, ferr = e.store.FindOldestCompatible(ctx, req.Categories, req.Complexity, req.UserID)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("engine: search: %w", err)
		}
		if candidate == nil {
			break
		}

		// Removal confirms the candidate still exists; a nil result means
		// another worker (or a cancel/expiry) consumed it first.
		var removed *store.MatchRequest
		err = e.withRetry(func() error {
			var rerr error
			removed, rerr = e.store.Remove(ctx, candidate.RequestID)
			return rerr
		})
		if err != nil {
			return fmt.Errorf("engine: confirm candidate: %w", err)
		}
		if removed == nil {
			metrics.StoreRetriesTotal.Inc()
			log.Printf("[engine] candidate %s already consumed, retrying search (attempt %d/%d)",
				candidate.RequestID, attempt, searchAttempts)
			continue
		}

		e.pair(ctx, req, removed)
		return nil
	}

	// No partner (or retries exhausted): park the request and schedule its expiry.
	if err := e.withRetry(func() error { return e.store.Insert(ctx, req) }); err != nil {
		return fmt.Errorf("engine: insert: %w", err)
	}
	dueAt := time.UnixMilli(req.EnqueuedAt).Add(e.matchTimeout)
	if err := e.withRetry(func() error { return e.scheduler.Schedule(ctx, req.RequestID, dueAt) }); err != nil {
		return fmt.Errorf("engine: schedule expiry: %w", err)
	}

	metrics.RequestsTotal.WithLabelValues("waiting").Inc()
	log.Printf("[engine] request %s waiting (user=%s categories=%v complexity=%s)",
		req.RequestID, req.UserID, req.Categories, req.Complexity)
	return nil
}

// pair finalizes a confirmed pairing between the incoming request and the
// removed candidate. Both sides are already out of the store, so a session
// failure cannot leave dangling candidates; it releases both users with a
// match_invalid event instead.
func (e *Engine) pair(ctx context.Context, req, candidate *store.MatchRequest) {
	category := SharedCategory(req.Categories, candidate.Categories)
	if category == "" {
		// The candidate came out of one of the request's partitions, so a
		// missing shared category means corrupted state.
		log.Printf("[engine] no shared category between %s and %s", req.RequestID, candidate.RequestID)
		e.invalidate(req, candidate, ReasonInvalidRequest)
		return
	}

	start := time.Now()
	sessionID, err := e.collab.CreateSession(ctx, candidate.UserID, req.UserID, category, req.Complexity)
	metrics.SessionCreateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[engine] session creation failed for %s+%s: %v", candidate.RequestID, req.RequestID, err)
		e.invalidate(req, candidate, ReasonSessionCreateFailed)
		return
	}

	matchID := uuid.New().String()
	if err := e.history.Record(ctx, &history.Match{
		MatchID:    matchID,
		User1ID:    candidate.UserID,
		User2ID:    req.UserID,
		Category:   category,
		Complexity: req.Complexity,
		SessionID:  sessionID,
	}); err != nil {
		// The session exists and both users are about to join it; a lost
		// history row must not undo the pairing.
		log.Printf("[engine] record match %s: %v", matchID, err)
	}

	for _, side := range []struct{ self, partner *store.MatchRequest }{
		{req, candidate},
		{candidate, req},
	} {
		e.publishEvent(side.self.UserID, Event{
			Type:       EventMatchFound,
			RequestID:  side.self.RequestID,
			MatchID:    matchID,
			SessionID:  sessionID,
			PartnerID:  side.partner.UserID,
			Category:   category,
			Complexity: req.Complexity,
		})
	}
	e.markProcessed(ctx, req.RequestID, candidate.RequestID)

	metrics.RequestsTotal.WithLabelValues("paired").Add(2)
	metrics.MatchDuration.Observe(candidate.Age().Seconds())
	metrics.MatchDuration.Observe(req.Age().Seconds())
	log.Printf("[engine] paired %s+%s match=%s session=%s category=%s complexity=%s",
		candidate.RequestID, req.RequestID, matchID, sessionID, category, req.Complexity)
}

// invalidate releases both sides of a failed pairing. Neither request is
// re-queued: the users resubmit, so repeated downstream failures stay visible.
func (e *Engine) invalidate(req, candidate *store.MatchRequest, reason string) {
	for _, r := range []*store.MatchRequest{req, candidate} {
		e.publishEvent(r.UserID, Event{
			Type:      EventMatchInvalid,
			RequestID: r.RequestID,
			Reason:    reason,
		})
	}
	e.markProcessed(context.Background(), req.RequestID, candidate.RequestID)
	metrics.RequestsTotal.WithLabelValues("invalid").Add(2)
}

// HandleExpiry processes one delivery of an expiry job. Removing nothing is
// the expected outcome when the request was matched or cancelled in the
// meantime, and a duplicate delivery after a successful removal finds
// nothing to remove — at most one expired notification goes out.
func (e *Engine) HandleExpiry(ctx context.Context, requestID string) error {
	var removed *store.MatchRequest
	err := e.withRetry(func() error {
		var rerr error
		removed, rerr = e.store.Remove(ctx, requestID)
		return rerr
	})
	if err != nil {
		return fmt.Errorf("engine: expire %s: %w", requestID, err)
	}
	if removed == nil {
		return nil
	}

	e.publishEvent(removed.UserID, Event{
		Type:      EventRequestExpired,
		RequestID: removed.RequestID,
	})
	e.markProcessed(ctx, removed.RequestID)
	metrics.RequestsTotal.WithLabelValues("expired").Inc()
	log.Printf("[engine] request %s expired after %s (user=%s)",
		removed.RequestID, e.matchTimeout, removed.UserID)
	return nil
}

// HandleCancel processes an explicit cancellation. Returns true if the
// request was still waiting and has been removed, false if it was already
// resolved (the cancellation is then a no-op).
func (e *Engine) HandleCancel(ctx context.Context, requestID string) (bool, error) {
	var removed *store.MatchRequest
	err := e.withRetry(func() error {
		var rerr error
		removed, rerr = e.store.Remove(ctx, requestID)
		return rerr
	})
	if err != nil {
		return false, fmt.Errorf("engine: cancel %s: %w", requestID, err)
	}
	if removed == nil {
		return false, nil
	}

	e.markProcessed(ctx, removed.RequestID)
	metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
	log.Printf("[engine] request %s cancelled (user=%s)", removed.RequestID, removed.UserID)
	return true, nil
}

// SharedCategory returns the lexicographically smallest category present in
// both sorted lists, or "" if they share none.
func SharedCategory(a, b []string) string {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return a[i]
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return ""
}

func (e *Engine) publishEvent(userID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[engine] marshal %s event for %s: %v", event.Type, userID, err)
		return
	}
	// Best-effort push: a publish failure is logged, never retried.
	if err := e.notifier.PublishEvent(userID, data); err != nil {
		log.Printf("[engine] publish %s event for %s: %v", event.Type, userID, err)
	}
}

func (e *Engine) markProcessed(ctx context.Context, requestIDs ...string) {
	for _, id := range requestIDs {
		if err := e.store.MarkProcessed(ctx, id); err != nil {
			log.Printf("[engine] mark processed %s: %v", id, err)
		}
	}
}

// withRetry runs fn up to storeAttempts times with linear backoff, for
// transient store and scheduler errors only.
func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < storeAttempts {
			time.Sleep(storeBackoff * time.Duration(attempt))
		}
	}
	return err
}
