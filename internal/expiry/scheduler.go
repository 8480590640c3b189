// Package expiry schedules "expire this request if still unmatched" jobs.
// Due times live in a Redis sorted set; a sweeper loop atomically pops due
// entries and publishes them to the durable expiry queue, where an engine
// worker performs the actual store removal. The schedule only delays the
// job — the candidate store remains the authority on whether a request is
// still waiting, so a popped job for an already-resolved request is a no-op
// downstream.
package expiry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keySchedule is the sorted set of pending expiry jobs,
	// score = due unix ms, member = request_id.
	keySchedule = "match:expiry"

	sweepInterval = 1 * time.Second
	sweepBatch    = 128
)

// Job is the expiry queue payload. Only the request_id travels; the
// authoritative request state is the candidate store.
type Job struct {
	RequestID string `json:"request_id"`
}

// Publisher is the slice of the messaging client the sweeper needs.
type Publisher interface {
	PublishExpire(data []byte) error
}

// Scheduler manages the expiry schedule in Redis.
type Scheduler struct {
	rdb       *redis.Client
	popScript *redis.Script
}

// NewScheduler creates a scheduler backed by the given Redis client.
func NewScheduler(rdb *redis.Client) *Scheduler {
	return &Scheduler{
		rdb:       rdb,
		popScript: redis.NewScript(popDueLua),
	}
}

// Schedule records that requestID should expire at dueAt. Re-scheduling the
// same request overwrites the previous due time.
func (s *Scheduler) Schedule(ctx context.Context, requestID string, dueAt time.Time) error {
	return s.rdb.ZAdd(ctx, keySchedule, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: requestID,
	}).Err()
}

// PopDue atomically removes and returns up to limit request IDs whose due
// time is at or before now. Concurrent sweepers never pop the same entry.
func (s *Scheduler) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.popScript.Run(ctx, s.rdb, []string{keySchedule}, now.UnixMilli(), limit).StringSlice()
}

// Pending returns the number of scheduled expiry jobs.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keySchedule).Result()
}

// Run sweeps the schedule every second and publishes due jobs to the expiry
// queue until ctx is cancelled. A job whose publish fails is put back on the
// schedule and retried on a later sweep.
func (s *Scheduler) Run(ctx context.Context, pub Publisher) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[expiry] sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, pub)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, pub Publisher) {
	due, err := s.PopDue(ctx, time.Now(), sweepBatch)
	if err != nil {
		log.Printf("[expiry] pop due: %v", err)
		return
	}

	for _, requestID := range due {
		data, err := json.Marshal(Job{RequestID: requestID})
		if err != nil {
			log.Printf("[expiry] marshal job %s: %v", requestID, err)
			continue
		}
		if err := pub.PublishExpire(data); err != nil {
			log.Printf("[expiry] publish job %s: %v", requestID, err)
			// Put it back so the job is not lost; next sweep retries.
			if rerr := s.Schedule(ctx, requestID, time.Now()); rerr != nil {
				log.Printf("[expiry] reschedule %s: %v", requestID, rerr)
			}
		}
	}

	if len(due) > 0 {
		log.Printf("[expiry] published %d due expiry jobs", len(due))
	}
}

// popDueLua removes and returns due schedule entries in one round trip so
// that two sweepers cannot publish the same job twice from a single pop.
//
//	KEYS[1] = schedule key
//	ARGV[1] = now (unix ms), ARGV[2] = batch limit
const popDueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
    redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`
