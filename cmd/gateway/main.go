package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/peerprep/match-app/internal/engine"
	"github.com/peerprep/match-app/internal/messaging"
	"github.com/peerprep/match-app/internal/metrics"
	"github.com/peerprep/match-app/internal/protocol"
	"github.com/peerprep/match-app/internal/ratelimit"
	"github.com/peerprep/match-app/internal/session"
	"github.com/peerprep/match-app/internal/store"
	"github.com/peerprep/match-app/internal/ws"
)

// cancelTimeout bounds how long the gateway waits for the engine to answer a
// cancellation request.
const cancelTimeout = 5 * time.Second

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// Match timeout advertised to clients in matching_started. Must agree
	// with the engine's MATCH_TIMEOUT.
	matchTimeout := engine.DefaultMatchTimeout
	if v := os.Getenv("MATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			matchTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "peermatch-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	if err := natsClient.EnsureStreams(); err != nil {
		log.Fatalf("failed to ensure NATS streams: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gateway-1"
	}

	userStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(userStore.Client())

	log.Printf("Matching gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  match_timeout:   %s", matchTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	sendMsg := func(userID, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("failed to build %s for user=%s: %v", msgType, userID, err)
			return
		}
		if err := server.SendMessage(userID, data); err != nil {
			log.Printf("failed to send %s to user=%s: %v", msgType, userID, err)
		}
	}

	// clearMatching resets the user's state and tears down the event
	// subscription once a request reaches a terminal state.
	clearMatching := func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := userStore.ClearMatching(ctx, userID); err != nil {
			log.Printf("failed to clear matching state for user=%s: %v", userID, err)
		}
		_ = natsClient.UnsubscribeEvents(userID)
	}

	// subscribeToEvents forwards the engine's terminal-state events for this
	// user to the client connection.
	subscribeToEvents := func(userID string) error {
		return natsClient.SubscribeEvents(userID, func(data []byte) {
			var event engine.Event
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("event unmarshal error for user=%s: %v", userID, err)
				return
			}

			switch event.Type {
			case engine.EventMatchFound:
				sendMsg(userID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
					RequestID:  event.RequestID,
					MatchID:    event.MatchID,
					SessionID:  event.SessionID,
					PartnerID:  event.PartnerID,
					Category:   event.Category,
					Complexity: event.Complexity,
				})
				clearMatching(userID)

			case engine.EventMatchInvalid:
				sendMsg(userID, protocol.TypeMatchInvalid, protocol.MatchInvalidMsg{
					RequestID: event.RequestID,
					Reason:    event.Reason,
				})
				clearMatching(userID)

			case engine.EventRequestExpired:
				sendMsg(userID, protocol.TypeMatchRequestExpired, protocol.MatchRequestExpiredMsg{
					RequestID: event.RequestID,
				})
				clearMatching(userID)

			default:
				log.Printf("unknown event type=%q for user=%s", event.Type, userID)
			}
		})
	}

	// requestCancel asks the engine to withdraw a pending request. Returns
	// whether the request was still waiting.
	requestCancel := func(requestID string) (bool, error) {
		data, err := json.Marshal(engine.CancelMessage{RequestID: requestID})
		if err != nil {
			return false, err
		}
		replyData, err := natsClient.RequestCancel(data, cancelTimeout)
		if err != nil {
			return false, err
		}
		var reply engine.CancelReply
		if err := json.Unmarshal(replyData, &reply); err != nil {
			return false, err
		}
		return reply.OK, nil
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// submit_match — validate and enqueue a match request
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubmitMatch, func(conn *ws.Connection, msg interface{}) {
		submitMsg, ok := msg.(protocol.SubmitMatchMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		ctx := context.Background()

		// Validate before anything touches the queue.
		categories := store.NormalizeCategories(submitMsg.Categories)
		if categories == nil || !store.ValidComplexity(submitMsg.Complexity) {
			metrics.RequestsTotal.WithLabelValues("invalid").Inc()
			sendMsg(userID, protocol.TypeError, protocol.ErrorMsg{
				Code:    "invalid_request",
				Message: "categories must be non-empty and complexity must be easy, medium, or hard",
			})
			return
		}

		// One pending request per user.
		if user, err := userStore.Get(ctx, userID); err == nil && user != nil && user.Status == session.StatusMatching {
			sendMsg(userID, protocol.TypeError, protocol.ErrorMsg{
				Code:    "already_matching",
				Message: "a match request is already pending; cancel it first",
			})
			return
		}

		// Rate limit submissions per user.
		if allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleSubmit); !allowed {
			sendMsg(userID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSubmit.Window.Seconds()),
			})
			return
		}

		requestID := uuid.New().String()

		// Subscribe before publishing so the terminal event cannot race past
		// an unsubscribed gateway.
		if err := subscribeToEvents(userID); err != nil {
			log.Printf("event subscribe failed for user=%s: %v", userID, err)
			sendMsg(userID, protocol.TypeError, protocol.ErrorMsg{
				Code: "internal_error", Message: "could not start matching",
			})
			return
		}

		data, _ := json.Marshal(engine.SubmitMessage{
			RequestID:  requestID,
			UserID:     userID,
			Categories: categories,
			Complexity: submitMsg.Complexity,
			EnqueuedAt: time.Now().UnixMilli(),
		})
		if err := natsClient.PublishSubmit(data); err != nil {
			log.Printf("publish submit failed for user=%s: %v", userID, err)
			_ = natsClient.UnsubscribeEvents(userID)
			sendMsg(userID, protocol.TypeError, protocol.ErrorMsg{
				Code: "internal_error", Message: "could not start matching",
			})
			return
		}

		if err := userStore.SetMatching(ctx, userID, requestID); err != nil {
			log.Printf("failed to set matching state for user=%s: %v", userID, err)
		}

		sendMsg(userID, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{
			RequestID: requestID,
			Timeout:   int(matchTimeout.Seconds()),
		})
		log.Printf("submit_match from user=%s request=%s categories=%v complexity=%s",
			userID, requestID, categories, submitMsg.Complexity)
	})

	// -----------------------------------------------------------------------
	// cancel_match — withdraw a pending match request
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelMatch, func(conn *ws.Connection, msg interface{}) {
		cancelMsg, ok := msg.(protocol.CancelMatchMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		ctx := context.Background()

		// Only the owner may cancel a request.
		user, err := userStore.Get(ctx, userID)
		if err != nil || user == nil || user.RequestID != cancelMsg.RequestID {
			sendMsg(userID, protocol.TypeCancelResult, protocol.CancelResultMsg{
				RequestID: cancelMsg.RequestID,
				OK:        false,
			})
			return
		}

		ok, err = requestCancel(cancelMsg.RequestID)
		if err != nil {
			log.Printf("cancel request failed for user=%s request=%s: %v", userID, cancelMsg.RequestID, err)
			sendMsg(userID, protocol.TypeError, protocol.ErrorMsg{
				Code: "internal_error", Message: "cancellation failed",
			})
			return
		}

		if ok {
			clearMatching(userID)
		}
		sendMsg(userID, protocol.TypeCancelResult, protocol.CancelResultMsg{
			RequestID: cancelMsg.RequestID,
			OK:        ok,
		})
		log.Printf("cancel_match from user=%s request=%s ok=%v", userID, cancelMsg.RequestID, ok)
	})

	server = ws.NewServer(config, userStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Connection rate limiting per client IP.
	server.SetOnConnect(func(remoteAddr string) bool {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		allowed, _ := limiter.Allow(context.Background(), host, ratelimit.RuleConnect)
		return allowed
	})

	// Disconnect cleanup: withdraw any pending request so the store does not
	// hold candidates for users who can no longer be notified.
	server.SetOnDisconnect(func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		user, err := userStore.Get(ctx, userID)
		if err != nil || user == nil {
			return
		}

		if user.Status == session.StatusMatching && user.RequestID != "" {
			log.Printf("disconnect while matching user=%s request=%s, cancelling", userID, user.RequestID)
			if _, err := requestCancel(user.RequestID); err != nil {
				log.Printf("disconnect cancel failed for user=%s: %v", userID, err)
			}
		}
		_ = natsClient.UnsubscribeEvents(userID)
	})

	// Prometheus metrics endpoint.
	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
		if err := userStore.Close(); err != nil {
			log.Printf("user store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
