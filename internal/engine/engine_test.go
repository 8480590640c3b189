package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerprep/match-app/internal/expiry"
	"github.com/peerprep/match-app/internal/history"
	"github.com/peerprep/match-app/internal/store"
)

// fakeCollab stands in for the collaboration service client.
type fakeCollab struct {
	mu        sync.Mutex
	sessionID string
	err       error
	calls     int
}

func (f *fakeCollab) CreateSession(ctx context.Context, user1, user2, category, complexity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.sessionID, nil
}

// fakeNotifier captures published events per user.
type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]Event)}
}

func (f *fakeNotifier) PublishEvent(userID string, data []byte) error {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	f.mu.Lock()
	f.events[userID] = append(f.events[userID], event)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) userEvents(userID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events[userID]...)
}

func (f *fakeNotifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, evs := range f.events {
		n += len(evs)
	}
	return n
}

// fakeRecorder captures persisted matches.
type fakeRecorder struct {
	mu      sync.Mutex
	matches []history.Match
}

func (f *fakeRecorder) Record(ctx context.Context, m *history.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, *m)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matches)
}

type testEnv struct {
	engine   *Engine
	store    *store.Store
	sched    *expiry.Scheduler
	collab   *fakeCollab
	notifier *fakeNotifier
	recorder *fakeRecorder
	ctx      context.Context
}

// setupTestEngine builds an Engine wired to a test Redis instance and fakes
// for the collab client, notifier, and match recorder. Requires Redis on
// localhost:6379; tests are skipped if unavailable.
func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	env := &testEnv{
		store:    store.New(rdb),
		sched:    expiry.NewScheduler(rdb),
		collab:   &fakeCollab{sessionID: "session-1"},
		notifier: newFakeNotifier(),
		recorder: &fakeRecorder{},
		ctx:      ctx,
	}
	env.engine = New(env.store, env.sched, env.collab, env.recorder, env.notifier, DefaultMatchTimeout)
	return env
}

func submitMsg(requestID, userID string, categories []string, complexity string) *SubmitMessage {
	return &SubmitMessage{
		RequestID:  requestID,
		UserID:     userID,
		Categories: categories,
		Complexity: complexity,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

func mustSubmit(t *testing.T, env *testEnv, msg *SubmitMessage) {
	t.Helper()
	if err := env.engine.HandleSubmit(env.ctx, msg); err != nil {
		t.Fatalf("submit %s: %v", msg.RequestID, err)
	}
}

func storeSize(t *testing.T, env *testEnv) int64 {
	t.Helper()
	size, err := env.store.Size(env.ctx)
	if err != nil {
		t.Fatalf("store size: %v", err)
	}
	return size
}

func TestHandleSubmit_NoCandidateWaits(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))

	if size := storeSize(t, env); size != 1 {
		t.Errorf("expected 1 waiting request, got %d", size)
	}

	pending, err := env.sched.Pending(env.ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 scheduled expiry, got %d", pending)
	}

	if env.notifier.total() != 0 {
		t.Errorf("expected no events while waiting, got %d", env.notifier.total())
	}
}

func TestHandleSubmit_PairsWithWaitingRequest(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays", "strings"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"strings"}, store.ComplexityEasy))

	if size := storeSize(t, env); size != 0 {
		t.Errorf("expected empty store after pairing, got %d", size)
	}

	for _, userID := range []string{"user-1", "user-2"} {
		events := env.notifier.userEvents(userID)
		if len(events) != 1 {
			t.Fatalf("%s: expected 1 event, got %d", userID, len(events))
		}
		ev := events[0]
		if ev.Type != EventMatchFound {
			t.Errorf("%s: expected match_found, got %s", userID, ev.Type)
		}
		if ev.SessionID != "session-1" {
			t.Errorf("%s: expected session-1, got %s", userID, ev.SessionID)
		}
		// The only shared category is strings.
		if ev.Category != "strings" {
			t.Errorf("%s: expected category strings, got %s", userID, ev.Category)
		}
	}

	if env.recorder.count() != 1 {
		t.Errorf("expected 1 persisted match, got %d", env.recorder.count())
	}
}

func TestHandleSubmit_SharedCategoryTieBreak(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"strings", "arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"arrays", "strings"}, store.ComplexityEasy))

	events := env.notifier.userEvents("user-1")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Category != "arrays" {
		t.Errorf("expected lexicographically smallest shared category arrays, got %s", events[0].Category)
	}
}

func TestHandleSubmit_FIFOWithinPartition(t *testing.T) {
	env := setupTestEngine(t)

	older := submitMsg("req-old", "user-1", []string{"arrays"}, store.ComplexityEasy)
	older.EnqueuedAt -= 5000
	mustSubmit(t, env, older)
	mustSubmit(t, env, submitMsg("req-new", "user-2", []string{"arrays"}, store.ComplexityEasy))

	mustSubmit(t, env, submitMsg("req-3", "user-3", []string{"arrays"}, store.ComplexityEasy))

	// user-3 pairs with the oldest waiter, user-1; user-2 keeps waiting.
	if len(env.notifier.userEvents("user-1")) != 1 {
		t.Error("expected oldest waiter user-1 to be paired")
	}
	if len(env.notifier.userEvents("user-2")) != 0 {
		t.Error("expected newer waiter user-2 to remain waiting")
	}
	if size := storeSize(t, env); size != 1 {
		t.Errorf("expected 1 request still waiting, got %d", size)
	}
}

func TestHandleSubmit_ComplexityMustMatch(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"arrays"}, store.ComplexityHard))

	if size := storeSize(t, env); size != 2 {
		t.Errorf("expected both requests waiting across complexities, got %d", size)
	}
	if env.notifier.total() != 0 {
		t.Errorf("expected no pairing across complexities")
	}
}

func TestHandleSubmit_NeverPairsSameUser(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-1", []string{"arrays"}, store.ComplexityEasy))

	if size := storeSize(t, env); size != 2 {
		t.Errorf("expected both of the user's requests waiting, got %d", size)
	}
	if env.notifier.total() != 0 {
		t.Error("a user must not be matched with themselves")
	}
}

func TestHandleSubmit_SessionCreationFailure(t *testing.T) {
	env := setupTestEngine(t)
	env.collab.err = errors.New("no question available")

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"arrays"}, store.ComplexityEasy))

	// Both sides are released with match_invalid; neither is re-queued.
	for _, userID := range []string{"user-1", "user-2"} {
		events := env.notifier.userEvents(userID)
		if len(events) != 1 || events[0].Type != EventMatchInvalid {
			t.Fatalf("%s: expected one match_invalid event, got %v", userID, events)
		}
		if events[0].Reason != ReasonSessionCreateFailed {
			t.Errorf("%s: expected reason %s, got %s", userID, ReasonSessionCreateFailed, events[0].Reason)
		}
	}
	if size := storeSize(t, env); size != 0 {
		t.Errorf("expected no orphaned candidates, got %d", size)
	}
	if env.recorder.count() != 0 {
		t.Errorf("expected no persisted match on session failure")
	}
}

func TestHandleSubmit_MalformedRejected(t *testing.T) {
	env := setupTestEngine(t)

	if err := env.engine.HandleSubmit(env.ctx, submitMsg("req-1", "user-1", nil, store.ComplexityEasy)); err != nil {
		t.Fatalf("malformed submit should ack, got %v", err)
	}
	if err := env.engine.HandleSubmit(env.ctx, submitMsg("req-2", "user-2", []string{"arrays"}, "extreme")); err != nil {
		t.Fatalf("malformed submit should ack, got %v", err)
	}

	if size := storeSize(t, env); size != 0 {
		t.Errorf("malformed requests must not enter the store, got %d", size)
	}
	for _, userID := range []string{"user-1", "user-2"} {
		events := env.notifier.userEvents(userID)
		if len(events) != 1 || events[0].Type != EventMatchInvalid {
			t.Errorf("%s: expected match_invalid, got %v", userID, events)
		}
	}
}

func TestHandleSubmit_DuplicateDeliveryWhileWaiting(t *testing.T) {
	env := setupTestEngine(t)

	msg := submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy)
	mustSubmit(t, env, msg)
	mustSubmit(t, env, msg) // at-least-once redelivery

	if size := storeSize(t, env); size != 1 {
		t.Errorf("expected a single waiting entry after redelivery, got %d", size)
	}
	if env.notifier.total() != 0 {
		t.Errorf("redelivery must not publish events")
	}
}

func TestHandleSubmit_DuplicateDeliveryAfterPairing(t *testing.T) {
	env := setupTestEngine(t)

	waiting := submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy)
	incoming := submitMsg("req-2", "user-2", []string{"arrays"}, store.ComplexityEasy)
	mustSubmit(t, env, waiting)
	mustSubmit(t, env, incoming)

	// A third compatible user enters, then req-2 is redelivered. The
	// redelivery must not pair user-2 a second time.
	mustSubmit(t, env, submitMsg("req-3", "user-3", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, incoming)

	if got := len(env.notifier.userEvents("user-2")); got != 1 {
		t.Errorf("expected exactly one match_found for user-2, got %d", got)
	}
	if env.recorder.count() != 1 {
		t.Errorf("expected one persisted match, got %d", env.recorder.count())
	}
	// user-3 is still waiting.
	if size := storeSize(t, env); size != 1 {
		t.Errorf("expected user-3 still waiting, got store size %d", size)
	}
}

func TestHandleExpiry_RemovesWaitingRequest(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))

	if err := env.engine.HandleExpiry(env.ctx, "req-1"); err != nil {
		t.Fatalf("expiry: %v", err)
	}

	if size := storeSize(t, env); size != 0 {
		t.Errorf("expected request removed on expiry, got %d", size)
	}
	events := env.notifier.userEvents("user-1")
	if len(events) != 1 || events[0].Type != EventRequestExpired {
		t.Fatalf("expected one match_request_expired event, got %v", events)
	}
	if events[0].RequestID != "req-1" {
		t.Errorf("expected request_id req-1, got %s", events[0].RequestID)
	}
}

func TestHandleExpiry_Idempotent(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))

	// Duplicate delivery of the same expiry job.
	if err := env.engine.HandleExpiry(env.ctx, "req-1"); err != nil {
		t.Fatalf("first expiry: %v", err)
	}
	if err := env.engine.HandleExpiry(env.ctx, "req-1"); err != nil {
		t.Fatalf("second expiry: %v", err)
	}

	if got := len(env.notifier.userEvents("user-1")); got != 1 {
		t.Errorf("expected at most one expired notification, got %d", got)
	}
}

func TestHandleExpiry_AfterMatchIsNoOp(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"arrays"}, store.ComplexityEasy))

	if err := env.engine.HandleExpiry(env.ctx, "req-1"); err != nil {
		t.Fatalf("expiry: %v", err)
	}

	events := env.notifier.userEvents("user-1")
	if len(events) != 1 || events[0].Type != EventMatchFound {
		t.Errorf("expiry after match must not notify, got %v", events)
	}
}

func TestHandleCancel_WaitingRequest(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))

	ok, err := env.engine.HandleCancel(env.ctx, "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Error("expected ok=true for waiting request")
	}
	if size := storeSize(t, env); size != 0 {
		t.Errorf("expected request removed, got %d", size)
	}

	// Cancelling again is a no-op.
	ok, err = env.engine.HandleCancel(env.ctx, "req-1")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if ok {
		t.Error("expected ok=false for already-cancelled request")
	}
}

func TestHandleCancel_AfterMatchIsNoOp(t *testing.T) {
	env := setupTestEngine(t)

	mustSubmit(t, env, submitMsg("req-1", "user-1", []string{"arrays"}, store.ComplexityEasy))
	mustSubmit(t, env, submitMsg("req-2", "user-2", []string{"arrays"}, store.ComplexityEasy))

	ok, err := env.engine.HandleCancel(env.ctx, "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Error("cancel after match must return ok=false")
	}
	// The existing match is unaffected.
	if env.recorder.count() != 1 {
		t.Errorf("expected the match to survive cancellation, got %d", env.recorder.count())
	}
}

func TestHandleSubmit_ConcurrentContention(t *testing.T) {
	env := setupTestEngine(t)

	// req-3 is compatible with both newcomers; the newcomers are not
	// compatible with each other.
	mustSubmit(t, env, submitMsg("req-3", "user-3", []string{"arrays", "graphs"}, store.ComplexityEasy))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i, categories := range [][]string{{"arrays"}, {"graphs"}} {
		wg.Add(1)
		go func(i int, categories []string) {
			defer wg.Done()
			msg := submitMsg(fmt.Sprintf("req-%d", i+1), fmt.Sprintf("user-%d", i+1), categories, store.ComplexityEasy)
			errs <- env.engine.HandleSubmit(env.ctx, msg)
		}(i, categories)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}

	// Exactly one newcomer won req-3; the loser is waiting.
	if got := len(env.notifier.userEvents("user-3")); got != 1 {
		t.Fatalf("expected user-3 paired exactly once, got %d events", got)
	}
	if total := env.notifier.total(); total != 2 {
		t.Errorf("expected exactly 2 match_found events, got %d", total)
	}
	if size := storeSize(t, env); size != 1 {
		t.Errorf("expected exactly one request still waiting, got %d", size)
	}
	if env.recorder.count() != 1 {
		t.Errorf("expected exactly one persisted match, got %d", env.recorder.count())
	}
}

func TestSharedCategory(t *testing.T) {
	tests := []struct {
		a, b []string
		want string
	}{
		{[]string{"arrays", "strings"}, []string{"strings"}, "strings"},
		{[]string{"arrays", "strings"}, []string{"arrays", "strings"}, "arrays"},
		{[]string{"graphs"}, []string{"arrays"}, ""},
		{[]string{"arrays", "graphs", "trees"}, []string{"graphs", "trees"}, "graphs"},
		{nil, []string{"arrays"}, ""},
	}

	for _, tt := range tests {
		if got := SharedCategory(tt.a, tt.b); got != tt.want {
			t.Errorf("SharedCategory(%v, %v) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
