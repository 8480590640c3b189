// Package store implements the candidate store: the Redis-backed index of
// outstanding match requests, partitioned by (category, complexity) and
// ordered by enqueue time. All mutations run as Lua scripts so that the
// canonical record and every partition entry are written or removed together;
// a request is never observable in only some of its partitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for candidate store data structures.
	keyQueue      = "match:queue" // Sorted set of all waiting request IDs, score = enqueued_at (ms)
	keyReqPrefix  = "match:req:"  // + <request_id> -> Hash (canonical record)
	keyPartPrefix = "match:part:" // + <category>:<complexity> -> Sorted set, score = enqueued_at (ms)
	keyDonePrefix = "match:done:" // + <request_id> -> "1", marks published terminal outcomes

	// processedTTL bounds how long terminal-outcome markers live. Queue
	// redelivery happens within seconds, so an hour is ample.
	processedTTL = time.Hour

	// findScanDepth bounds how many entries per partition the find script
	// inspects before giving up on that partition. Entries are skipped only
	// when they belong to the excluded user, so a small depth suffices.
	findScanDepth = 8
)

// Complexity levels accepted by the matchmaking engine.
const (
	ComplexityEasy   = "easy"
	ComplexityMedium = "medium"
	ComplexityHard   = "hard"
)

// ValidComplexity reports whether s is a known complexity level.
func ValidComplexity(s string) bool {
	switch s {
	case ComplexityEasy, ComplexityMedium, ComplexityHard:
		return true
	}
	return false
}

// MatchRequest is the canonical record of a user waiting to be matched.
// It is immutable once created; the store removes it wholesale when the
// request is matched, cancelled, or expired.
type MatchRequest struct {
	RequestID  string
	UserID     string
	Categories []string // sorted, deduplicated, non-empty
	Complexity string
	EnqueuedAt int64 // unix milliseconds
}

// Age returns how long the request has been waiting.
func (r *MatchRequest) Age() time.Duration {
	return time.Duration(time.Now().UnixMilli()-r.EnqueuedAt) * time.Millisecond
}

// NormalizeCategories trims, deduplicates, and sorts a category list.
// Returns nil if no usable categories remain.
func NormalizeCategories(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || strings.ContainsAny(c, ",:") || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// PartitionKey returns the Redis key of the (category, complexity) partition.
func PartitionKey(category, complexity string) string {
	return keyPartPrefix + category + ":" + complexity
}

func requestKey(requestID string) string {
	return keyReqPrefix + requestID
}

// Store manages the candidate index in Redis.
type Store struct {
	rdb          *redis.Client
	insertScript *redis.Script
	removeScript *redis.Script
	findScript   *redis.Script
}

// New creates a candidate store backed by the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		insertScript: redis.NewScript(insertLua),
		removeScript: redis.NewScript(removeLua),
		findScript:   redis.NewScript(findOldestLua),
	}
}

// Insert writes the canonical record, the global queue entry, and one
// partition entry per category, atomically. Inserting a request_id that
// already exists is a successful no-op so that redelivered queue messages
// cannot create duplicate entries.
func (s *Store) Insert(ctx context.Context, req *MatchRequest) error {
	keys := make([]string, 0, len(req.Categories)+2)
	keys = append(keys, requestKey(req.RequestID), keyQueue)
	for _, cat := range req.Categories {
		keys = append(keys, PartitionKey(cat, req.Complexity))
	}

	err := s.insertScript.Run(ctx, s.rdb, keys,
		req.RequestID,
		req.UserID,
		strings.Join(req.Categories, ","),
		req.Complexity,
		req.EnqueuedAt,
	).Err()
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", req.RequestID, err)
	}
	return nil
}

// FindOldestCompatible returns the globally oldest waiting request across the
// given category partitions, skipping requests owned by excludeUserID. Ties
// on enqueue time are broken by request_id ascending. This is a pure read;
// the caller must confirm the candidate with Remove before pairing with it.
// Returns (nil, nil) when no compatible candidate is waiting.
func (s *Store) FindOldestCompatible(ctx context.Context, categories []string, complexity, excludeUserID string) (*MatchRequest, error) {
	keys := make([]string, 0, len(categories))
	for _, cat := range categories {
		keys = append(keys, PartitionKey(cat, complexity))
	}

	reply, err := s.findScript.Run(ctx, s.rdb, keys, excludeUserID, findScanDepth, keyReqPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find oldest: %w", err)
	}
	return requestFromReply(reply)
}

// Remove atomically deletes the canonical record, the global queue entry, and
// every partition entry for the request, and returns the removed request.
// Returns (nil, nil) if the request no longer exists — the expected outcome
// when another path (match, cancel, expiry) removed it first.
func (s *Store) Remove(ctx context.Context, requestID string) (*MatchRequest, error) {
	reply, err := s.removeScript.Run(ctx, s.rdb, []string{requestKey(requestID), keyQueue}, keyPartPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: remove %s: %w", requestID, err)
	}
	return requestFromReply(reply)
}

// Size returns the number of requests currently waiting.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyQueue).Result()
}

// MarkProcessed records that a request reached a terminal outcome whose
// notifications were already published. Redelivered queue messages check this
// marker so a request is never paired twice.
func (s *Store) MarkProcessed(ctx context.Context, requestID string) error {
	return s.rdb.Set(ctx, keyDonePrefix+requestID, "1", processedTTL).Err()
}

// Processed reports whether a request already reached a terminal outcome.
func (s *Store) Processed(ctx context.Context, requestID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyDonePrefix+requestID).Result()
	if err != nil {
		return false, fmt.Errorf("store: processed %s: %w", requestID, err)
	}
	return n > 0, nil
}

// requestFromReply decodes the flat array the Lua scripts return:
// {request_id, user_id, categories_csv, complexity, enqueued_at}.
func requestFromReply(reply interface{}) (*MatchRequest, error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) != 5 {
		return nil, fmt.Errorf("store: unexpected script reply %T", reply)
	}

	fields := make([]string, 5)
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("store: unexpected reply field %T", v)
		}
		fields[i] = s
	}

	enqueuedAt, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("store: bad enqueued_at %q: %w", fields[4], err)
	}

	return &MatchRequest{
		RequestID:  fields[0],
		UserID:     fields[1],
		Categories: strings.Split(fields[2], ","),
		Complexity: fields[3],
		EnqueuedAt: enqueuedAt,
	}, nil
}

// insertLua writes the canonical hash plus all index entries, or does nothing
// if the request_id is already present.
//
//	KEYS[1] = canonical record key
//	KEYS[2] = global queue key
//	KEYS[3..] = partition keys
//	ARGV = request_id, user_id, categories_csv, complexity, enqueued_at
const insertLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1],
    'request_id', ARGV[1],
    'user_id', ARGV[2],
    'categories', ARGV[3],
    'complexity', ARGV[4],
    'enqueued_at', ARGV[5])
redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[1])
for i = 3, #KEYS do
    redis.call('ZADD', KEYS[i], tonumber(ARGV[5]), ARGV[1])
end
return 1
`

// removeLua deletes the canonical hash plus all index entries and returns the
// removed record, or nil if the request is already gone. Partition keys are
// derived from the stored categories so the removal always covers exactly the
// entries the insert wrote.
//
//	KEYS[1] = canonical record key
//	KEYS[2] = global queue key
//	ARGV[1] = partition key prefix
const removeLua = `
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
    return nil
end
local rec = {}
for i = 1, #fields, 2 do
    rec[fields[i]] = fields[i + 1]
end
for cat in string.gmatch(rec['categories'], '([^,]+)') do
    redis.call('ZREM', ARGV[1] .. cat .. ':' .. rec['complexity'], rec['request_id'])
end
redis.call('ZREM', KEYS[2], rec['request_id'])
redis.call('DEL', KEYS[1])
return {rec['request_id'], rec['user_id'], rec['categories'], rec['complexity'], rec['enqueued_at']}
`

// findOldestLua scans each partition oldest-first and returns the globally
// oldest eligible record. Entries owned by the excluded user are skipped;
// ties on score fall back to request_id order.
//
//	KEYS = partition keys
//	ARGV[1] = user_id to exclude
//	ARGV[2] = per-partition scan depth
//	ARGV[3] = canonical record key prefix
const findOldestLua = `
local best_id = nil
local best_score = nil
for k = 1, #KEYS do
    local entries = redis.call('ZRANGE', KEYS[k], 0, tonumber(ARGV[2]) - 1, 'WITHSCORES')
    for i = 1, #entries, 2 do
        local id = entries[i]
        local score = tonumber(entries[i + 1])
        local owner = redis.call('HGET', ARGV[3] .. id, 'user_id')
        if owner ~= false and owner ~= ARGV[1] then
            if best_score == nil or score < best_score or (score == best_score and id < best_id) then
                best_id = id
                best_score = score
            end
            break
        end
    end
end
if best_id == nil then
    return nil
end
local fields = redis.call('HGETALL', ARGV[3] .. best_id)
local rec = {}
for i = 1, #fields, 2 do
    rec[fields[i]] = fields[i + 1]
end
return {rec['request_id'], rec['user_id'], rec['categories'], rec['complexity'], rec['enqueued_at']}
`
