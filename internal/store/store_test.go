package store

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
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

	return New(rdb), ctx
}

func testRequest(id, userID string, categories []string, complexity string, enqueuedAt int64) *MatchRequest {
	return &MatchRequest{
		RequestID:  id,
		UserID:     userID,
		Categories: NormalizeCategories(categories),
		Complexity: complexity,
		EnqueuedAt: enqueuedAt,
	}
}

func mustInsert(t *testing.T, s *Store, ctx context.Context, req *MatchRequest) {
	t.Helper()
	if err := s.Insert(ctx, req); err != nil {
		t.Fatalf("failed to insert %s: %v", req.RequestID, err)
	}
}

func TestInsert_DiscoverableViaEveryCategory(t *testing.T) {
	s, ctx := setupTestStore(t)

	req := testRequest("req-1", "user-1", []string{"arrays", "strings", "graphs"}, ComplexityEasy, 1000)
	mustInsert(t, s, ctx, req)

	for _, cat := range req.Categories {
		found, err := s.FindOldestCompatible(ctx, []string{cat}, ComplexityEasy, "other-user")
		if err != nil {
			t.Fatalf("find via %s: %v", cat, err)
		}
		if found == nil {
			t.Fatalf("request not discoverable via category %q", cat)
		}
		if found.RequestID != "req-1" {
			t.Errorf("category %q: expected req-1, got %s", cat, found.RequestID)
		}
	}
}

func TestInsert_Idempotent(t *testing.T) {
	s, ctx := setupTestStore(t)

	req := testRequest("req-1", "user-1", []string{"arrays"}, ComplexityEasy, 1000)
	mustInsert(t, s, ctx, req)
	mustInsert(t, s, ctx, req) // redelivery must be a no-op

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Errorf("expected size 1 after duplicate insert, got %d", size)
	}
}

func TestRemove_ClearsEveryCategory(t *testing.T) {
	s, ctx := setupTestStore(t)

	req := testRequest("req-1", "user-1", []string{"arrays", "strings"}, ComplexityMedium, 1000)
	mustInsert(t, s, ctx, req)

	removed, err := s.Remove(ctx, "req-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed == nil {
		t.Fatal("expected removed request, got nil")
	}
	if removed.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", removed.UserID)
	}
	if len(removed.Categories) != 2 {
		t.Errorf("expected 2 categories, got %v", removed.Categories)
	}

	// Not discoverable via any of its categories afterwards.
	for _, cat := range req.Categories {
		found, err := s.FindOldestCompatible(ctx, []string{cat}, ComplexityMedium, "other-user")
		if err != nil {
			t.Fatalf("find via %s: %v", cat, err)
		}
		if found != nil {
			t.Errorf("request still discoverable via %q after remove", cat)
		}
	}

	size, _ := s.Size(ctx)
	if size != 0 {
		t.Errorf("expected empty store after remove, got size %d", size)
	}
}

func TestRemove_AlreadyGone(t *testing.T) {
	s, ctx := setupTestStore(t)

	req := testRequest("req-1", "user-1", []string{"arrays"}, ComplexityEasy, 1000)
	mustInsert(t, s, ctx, req)

	first, err := s.Remove(ctx, "req-1")
	if err != nil || first == nil {
		t.Fatalf("first remove: removed=%v err=%v", first, err)
	}

	// Second remove is the race-loss path: nil result, no error.
	second, err := s.Remove(ctx, "req-1")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if second != nil {
		t.Errorf("expected nil on second remove, got %+v", second)
	}
}

func TestRemove_NonExistent(t *testing.T) {
	s, ctx := setupTestStore(t)

	removed, err := s.Remove(ctx, "never-inserted")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != nil {
		t.Errorf("expected nil, got %+v", removed)
	}
}

func TestFindOldestCompatible_FIFOWithinPartition(t *testing.T) {
	s, ctx := setupTestStore(t)

	mustInsert(t, s, ctx, testRequest("req-old", "user-1", []string{"arrays"}, ComplexityEasy, 1000))
	mustInsert(t, s, ctx, testRequest("req-new", "user-2", []string{"arrays"}, ComplexityEasy, 2000))

	found, err := s.FindOldestCompatible(ctx, []string{"arrays"}, ComplexityEasy, "user-3")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil {
		t.Fatal("expected a candidate")
	}
	if found.RequestID != "req-old" {
		t.Errorf("expected oldest request req-old, got %s", found.RequestID)
	}
}

func TestFindOldestCompatible_GloballyOldestAcrossPartitions(t *testing.T) {
	s, ctx := setupTestStore(t)

	mustInsert(t, s, ctx, testRequest("req-a", "user-1", []string{"strings"}, ComplexityEasy, 3000))
	mustInsert(t, s, ctx, testRequest("req-b", "user-2", []string{"graphs"}, ComplexityEasy, 1000))

	found, err := s.FindOldestCompatible(ctx, []string{"strings", "graphs"}, ComplexityEasy, "user-3")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil {
		t.Fatal("expected a candidate")
	}
	if found.RequestID != "req-b" {
		t.Errorf("expected globally oldest req-b, got %s", found.RequestID)
	}
}

func TestFindOldestCompatible_TieBreakByRequestID(t *testing.T) {
	s, ctx := setupTestStore(t)

	// Same enqueue time in two partitions; request_id decides.
	mustInsert(t, s, ctx, testRequest("req-b", "user-1", []string{"strings"}, ComplexityEasy, 1000))
	mustInsert(t, s, ctx, testRequest("req-a", "user-2", []string{"graphs"}, ComplexityEasy, 1000))

	found, err := s.FindOldestCompatible(ctx, []string{"strings", "graphs"}, ComplexityEasy, "user-3")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil {
		t.Fatal("expected a candidate")
	}
	if found.RequestID != "req-a" {
		t.Errorf("expected req-a on tie, got %s", found.RequestID)
	}
}

func TestFindOldestCompatible_SkipsExcludedUser(t *testing.T) {
	s, ctx := setupTestStore(t)

	mustInsert(t, s, ctx, testRequest("req-own", "user-1", []string{"arrays"}, ComplexityEasy, 1000))
	mustInsert(t, s, ctx, testRequest("req-other", "user-2", []string{"arrays"}, ComplexityEasy, 2000))

	found, err := s.FindOldestCompatible(ctx, []string{"arrays"}, ComplexityEasy, "user-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil {
		t.Fatal("expected a candidate")
	}
	if found.RequestID != "req-other" {
		t.Errorf("expected user-1's own request skipped, got %s", found.RequestID)
	}
}

func TestFindOldestCompatible_OnlyOwnRequestWaiting(t *testing.T) {
	s, ctx := setupTestStore(t)

	mustInsert(t, s, ctx, testRequest("req-own", "user-1", []string{"arrays"}, ComplexityEasy, 1000))

	found, err := s.FindOldestCompatible(ctx, []string{"arrays"}, ComplexityEasy, "user-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != nil {
		t.Errorf("expected no candidate, got %+v", found)
	}
}

func TestFindOldestCompatible_ComplexityIsolation(t *testing.T) {
	s, ctx := setupTestStore(t)

	mustInsert(t, s, ctx, testRequest("req-easy", "user-1", []string{"arrays"}, ComplexityEasy, 1000))

	found, err := s.FindOldestCompatible(ctx, []string{"arrays"}, ComplexityHard, "user-2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != nil {
		t.Errorf("expected no candidate across complexities, got %+v", found)
	}
}

func TestFindOldestCompatible_EmptyStore(t *testing.T) {
	s, ctx := setupTestStore(t)

	found, err := s.FindOldestCompatible(ctx, []string{"arrays"}, ComplexityEasy, "user-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != nil {
		t.Errorf("expected nil on empty store, got %+v", found)
	}
}

func TestNormalizeCategories(t *testing.T) {
	got := NormalizeCategories([]string{"strings", "arrays", " strings ", "", "arrays"})
	if len(got) != 2 {
		t.Fatalf("expected 2 categories, got %v", got)
	}
	if got[0] != "arrays" || got[1] != "strings" {
		t.Errorf("expected sorted [arrays strings], got %v", got)
	}

	if NormalizeCategories(nil) != nil {
		t.Error("expected nil for empty input")
	}
	if NormalizeCategories([]string{"  ", ""}) != nil {
		t.Error("expected nil for blank-only input")
	}
}

func TestValidComplexity(t *testing.T) {
	for _, c := range []string{ComplexityEasy, ComplexityMedium, ComplexityHard} {
		if !ValidComplexity(c) {
			t.Errorf("%q should be valid", c)
		}
	}
	for _, c := range []string{"", "EASY", "extreme"} {
		if ValidComplexity(c) {
			t.Errorf("%q should be invalid", c)
		}
	}
}
