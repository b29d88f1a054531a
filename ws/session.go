package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/conversation"
	"github.com/meshwire/messaging/metrics"
	"github.com/meshwire/messaging/offline"
)

// State is a session's position in its lifecycle. Transitions only
// move forward except for Active and Degraded, which a session
// toggles between as its offline queue becomes unreachable and
// recovers.
type State int32

const (
	StateHandshake State = iota
	StateAuthenticated
	StateSubscribed
	StateActive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	heartbeatInterval = 5 * time.Second
	idleTimeout       = 30 * time.Second
	syncInterval      = 5 * time.Second
	redeliverInterval = 10 * time.Second
	trimInterval      = time.Hour
	writeTimeout      = 10 * time.Second
	readBatch         = 100
)

// Session owns one websocket connection subscribed to one
// conversation. The HTTP layer authenticates the token and upgrades
// the connection before handing it here; membership gating, consumer
// group setup, replay and the periodic tasks all happen inside Run.
type Session struct {
	conn           *websocket.Conn
	conversationID uuid.UUID
	userID         uuid.UUID
	clientID       string

	convs    conversation.Store
	queue    *offline.Queue
	registry *Registry
	relay    *Relay

	logger  *slog.Logger
	metrics *metrics.Set

	mu      sync.Mutex
	state   State
	cursors *offline.ClientSyncState

	// out carries session-originated frames (errors, typing echoes,
	// unacked replays) into the single writer loop.
	out chan []byte
}

// SessionConfig collects the dependencies for NewSession.
type SessionConfig struct {
	Conn           *websocket.Conn
	ConversationID uuid.UUID
	UserID         uuid.UUID
	ClientID       string
	Conversations  conversation.Store
	Queue          *offline.Queue
	Registry       *Registry
	// Relay is optional; without it typing and fan-out stay local to
	// this node.
	Relay   *Relay
	Logger  *slog.Logger
	Metrics *metrics.Set
}

// NewSession wraps an upgraded, authenticated connection.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:           cfg.Conn,
		conversationID: cfg.ConversationID,
		userID:         cfg.UserID,
		clientID:       cfg.ClientID,
		convs:          cfg.Conversations,
		queue:          cfg.Queue,
		registry:       cfg.Registry,
		relay:          cfg.Relay,
		logger: logger.With(
			"conversation_id", cfg.ConversationID,
			"user_id", cfg.UserID,
			"client_id", cfg.ClientID,
		),
		metrics: cfg.Metrics,
		state:   StateHandshake,
		out:     make(chan []byte, SendBuffer),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.logger.Debug("session state change", "from", from.String(), "to", to.String())
	}
}

// Run drives the session until the peer disconnects, the context is
// canceled, or a fatal error occurs. It always cleans up the
// subscription and persists the final sync state before returning.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.WSConnectionOpened(ctx)
	defer s.metrics.WSConnectionClosed(ctx)

	s.transition(StateAuthenticated)

	ok, err := s.convs.IsMember(ctx, s.conversationID, s.userID)
	if err != nil {
		s.closeWith(websocket.CloseInternalServerErr, "membership check failed")
		return err
	}
	if !ok {
		s.closeWith(websocket.ClosePolicyViolation, "not a conversation member")
		return fmt.Errorf("subscribe %s: %w", s.conversationID, messaging.ErrUnauthorized)
	}

	if err := s.queue.Register(ctx, s.conversationID, s.clientID); err != nil {
		s.closeWith(websocket.CloseInternalServerErr, "queue unavailable")
		return err
	}

	recv := s.registry.Add(s.conversationID, s.subscriberID())
	defer s.registry.Remove(s.conversationID, s.subscriberID())

	var sub *nats.Subscription
	if s.relay != nil {
		sub, err = s.relay.Subscribe(s.conversationID)
		if err != nil {
			s.logger.Warn("cross-node subscribe failed, serving local fan-out only", "error", err)
		} else {
			defer sub.Unsubscribe()
		}
	}
	s.transition(StateSubscribed)

	state, err := s.queue.LoadSyncState(ctx, s.userID, s.clientID)
	if err != nil {
		s.logger.Warn("sync state unavailable, starting fresh", "error", err)
		state = &offline.ClientSyncState{ClientID: s.clientID, UserID: s.userID}
	}
	s.mu.Lock()
	s.cursors = state
	s.mu.Unlock()

	if err := s.redeliver(ctx); err != nil {
		s.transition(StateDegraded)
		s.metrics.OfflineDegraded(ctx)
		s.logger.Warn("initial replay failed, live fan-out only", "error", err)
	} else {
		s.transition(StateActive)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdown()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx, recv)
	}()

	err = s.readLoop(ctx)
	cancel()
	<-writeDone
	return err
}

func (s *Session) subscriberID() string {
	return offline.ConsumerName(s.userID, s.clientID)
}

// writeLoop is the connection's only writer. It drains fan-out and
// session frames and owns every periodic task.
func (s *Session) writeLoop(ctx context.Context, recv <-chan []byte) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	syncTick := time.NewTicker(syncInterval)
	defer syncTick.Stop()
	redeliver := time.NewTicker(redeliverInterval)
	defer redeliver.Stop()
	trim := time.NewTicker(trimInterval)
	defer trim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-recv:
			if !ok {
				return
			}
			if !s.writeFrame(ctx, payload) {
				return
			}
		case payload := <-s.out:
			if !s.writeFrame(ctx, payload) {
				return
			}
		case <-heartbeat.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		case <-syncTick.C:
			s.saveSync(ctx)
		case <-redeliver.C:
			if err := s.redeliver(ctx); err != nil {
				if s.State() != StateDegraded {
					s.transition(StateDegraded)
					s.metrics.OfflineDegraded(ctx)
					s.logger.Warn("redelivery sweep failed", "error", err)
				}
			} else if s.State() == StateDegraded {
				s.transition(StateActive)
				s.logger.Info("offline queue recovered")
			}
		case <-trim.C:
			if _, err := s.queue.Trim(ctx, s.conversationID); err != nil {
				s.logger.Warn("stream trim failed", "error", err)
			}
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, payload []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug("frame write failed", "error", err)
		return false
	}
	s.metrics.WSFrameSent(ctx)
	return true
}

// readLoop consumes inbound frames until the peer goes away. A
// malformed or unknown frame produces an error frame and keeps the
// session open.
func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		start := time.Now()
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendError(ctx, "bad_frame", "frames must be {event, data} JSON")
			continue
		}
		f.normalize(raw)
		if err := s.dispatch(ctx, f); err != nil {
			s.sendError(ctx, messaging.KindName(err), err.Error())
		}
		s.metrics.WSFrameReceived(ctx, time.Since(start).Seconds(), f.Event)
	}
}

func (s *Session) dispatch(ctx context.Context, f frame) error {
	switch f.Event {
	case eventTypingStart, eventTypingStop:
		return s.handleTyping(ctx, f.Event == eventTypingStart)
	case eventAck:
		return s.handleAck(ctx, f.Data)
	case eventGetUnacked:
		return s.redeliver(ctx)
	default:
		return fmt.Errorf("%w: unknown event %q", messaging.ErrValidation, f.Event)
	}
}

// handleTyping fans a transient typing indicator out to the
// conversation. Nothing is persisted.
func (s *Session) handleTyping(ctx context.Context, typing bool) error {
	payload, err := marshalFrame(eventTyping, typingData{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		Typing:         typing,
	})
	if err != nil {
		return fmt.Errorf("%w: encode typing frame", messaging.ErrInternal)
	}
	if s.relay != nil {
		s.relay.Broadcast(ctx, s.conversationID, payload)
	} else {
		s.registry.Broadcast(ctx, s.conversationID, payload)
	}
	return nil
}

func (s *Session) handleAck(ctx context.Context, data json.RawMessage) error {
	var ack ackData
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("%w: malformed ack", messaging.ErrValidation)
	}
	if len(ack.StreamIDs) == 0 && ack.MessageID == uuid.Nil {
		return fmt.Errorf("%w: ack requires stream_ids or msg_id", messaging.ErrValidation)
	}
	ids := ack.StreamIDs
	if len(ids) == 0 {
		id, err := s.resolveMessageID(ctx, ack.MessageID)
		if err != nil {
			return err
		}
		ids = []string{id}
	}
	if _, err := s.queue.Ack(ctx, s.conversationID, ids...); err != nil {
		return err
	}
	s.mu.Lock()
	s.cursors.Advance(s.conversationID, ids[len(ids)-1])
	s.mu.Unlock()
	return nil
}

// resolveMessageID finds the pending stream entry carrying a message,
// for clients that acknowledge by message ID instead of cursor.
func (s *Session) resolveMessageID(ctx context.Context, messageID uuid.UUID) (string, error) {
	deliveries, err := s.queue.ReadPending(ctx, s.conversationID, s.userID, s.clientID, readBatch)
	if err != nil {
		return "", err
	}
	for _, d := range deliveries {
		if d.Message.ID == messageID {
			return d.StreamID, nil
		}
	}
	return "", fmt.Errorf("message %s not pending: %w", messageID, messaging.ErrNotFound)
}

// redeliver pushes every unacknowledged entry for this device back
// down the connection.
func (s *Session) redeliver(ctx context.Context) error {
	deliveries, err := s.queue.ReadPending(ctx, s.conversationID, s.userID, s.clientID, readBatch)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		payload, err := marshalFrame("message.created", d.Message)
		if err != nil {
			s.logger.Warn("undeliverable queued message", "stream_id", d.StreamID, "error", err)
			continue
		}
		select {
		case s.out <- payload:
		default:
			// Writer is saturated; the rest stays pending for the
			// next sweep.
			return nil
		}
	}
	return nil
}

func (s *Session) saveSync(ctx context.Context) {
	s.mu.Lock()
	if s.cursors == nil {
		s.mu.Unlock()
		return
	}
	snapshot := &offline.ClientSyncState{
		ClientID:      s.cursors.ClientID,
		UserID:        s.cursors.UserID,
		LastStreamIDs: maps.Clone(s.cursors.LastStreamIDs),
	}
	s.mu.Unlock()
	if err := s.queue.SaveSyncState(ctx, snapshot); err != nil {
		s.logger.Warn("sync state save failed", "error", err)
	}
}

func (s *Session) sendError(ctx context.Context, code, msg string) {
	payload, err := marshalFrame(eventError, errorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	select {
	case s.out <- payload:
	default:
		s.metrics.DeliveryFailure(ctx, "slow_subscriber")
	}
}

// shutdown persists the final cursor set and closes the connection
// politely. Run's deferred registry/relay cleanup handles the rest.
func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.saveSync(ctx)
	s.closeWith(websocket.CloseGoingAway, "session closed")
}

func (s *Session) closeWith(code int, reason string) {
	s.transition(StateClosed)
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.conn.Close()
}
