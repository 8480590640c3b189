package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/peerprep/match-app/internal/expiry"
	"github.com/peerprep/match-app/internal/messaging"
	"github.com/peerprep/match-app/internal/metrics"
	"github.com/peerprep/match-app/internal/store"
)

const (
	// nakDelay is how long a failed delivery waits before redelivery, so a
	// struggling Redis is not hammered by immediate retries.
	nakDelay = 2 * time.Second

	gaugeInterval = 5 * time.Second
)

// Service runs the matching engine as a queue worker: it consumes the
// durable request and expiry queues, answers cancel requests, and sweeps
// the expiry schedule.
type Service struct {
	engine    *Engine
	nats      *messaging.NATSClient
	store     *store.Store
	scheduler *expiry.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewService creates the matching service around an Engine.
func NewService(eng *Engine, natsClient *messaging.NATSClient, st *store.Store, scheduler *expiry.Scheduler) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:    eng,
		nats:      natsClient,
		store:     st,
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start ensures the JetStream streams exist, attaches the queue consumers,
// and starts the expiry sweeper and gauge loops.
func (s *Service) Start() error {
	if err := s.nats.EnsureStreams(); err != nil {
		return err
	}
	if err := s.nats.SubscribeSubmit(s.handleSubmitMsg); err != nil {
		return err
	}
	if err := s.nats.SubscribeExpire(s.handleExpireMsg); err != nil {
		return err
	}
	if err := s.nats.SubscribeCancel(s.handleCancelMsg); err != nil {
		return err
	}

	go s.scheduler.Run(s.ctx, s.nats)
	go s.gaugeLoop()

	log.Println("[matcher] service started")
	return nil
}

// Stop gracefully shuts down the matching service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleSubmitMsg(msg *nats.Msg) {
	var req SubmitMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("[matcher] invalid submit payload: %v", err)
		// Undecodable payloads can never succeed; drop them.
		_ = msg.Term()
		return
	}

	if err := s.engine.HandleSubmit(s.ctx, &req); err != nil {
		log.Printf("[matcher] submit %s: %v", req.RequestID, err)
		_ = msg.NakWithDelay(nakDelay)
		return
	}
	_ = msg.Ack()
}

func (s *Service) handleExpireMsg(msg *nats.Msg) {
	var job expiry.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Printf("[matcher] invalid expiry payload: %v", err)
		_ = msg.Term()
		return
	}

	if err := s.engine.HandleExpiry(s.ctx, job.RequestID); err != nil {
		log.Printf("[matcher] expire %s: %v", job.RequestID, err)
		_ = msg.NakWithDelay(nakDelay)
		return
	}
	_ = msg.Ack()
}

func (s *Service) handleCancelMsg(msg *nats.Msg) {
	var req CancelMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("[matcher] invalid cancel payload: %v", err)
		return
	}

	ok, err := s.engine.HandleCancel(s.ctx, req.RequestID)
	if err != nil {
		log.Printf("[matcher] cancel %s: %v", req.RequestID, err)
		ok = false
	}

	reply, err := json.Marshal(CancelReply{RequestID: req.RequestID, OK: ok})
	if err != nil {
		log.Printf("[matcher] marshal cancel reply: %v", err)
		return
	}
	if err := msg.Respond(reply); err != nil {
		log.Printf("[matcher] respond cancel %s: %v", req.RequestID, err)
	}
}

// gaugeLoop refreshes the waiting-requests gauge from the store.
func (s *Service) gaugeLoop() {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			size, err := s.store.Size(s.ctx)
			if err != nil {
				continue
			}
			metrics.WaitingRequests.Set(float64(size))
		}
	}
}
