package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/metrics"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

var (
	// ErrNodeOffline: the target node has no live agent channel.
	ErrNodeOffline = errors.New("node offline")

	// ErrSessionKindConflict: an exclusive-kind session already exists for
	// the node.
	ErrSessionKindConflict = errors.New("session of this kind already open for node")

	// ErrSessionNotFound: unknown or already reaped session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal: the session is closed or errored.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrUnknownKind: the requested session kind is not supported.
	ErrUnknownKind = errors.New("unknown session kind")
)

// AgentLink is the node-facing side of the broker, implemented by the agent
// hub.
type AgentLink interface {
	Online(nodeID string) bool
	SendSessionStart(ctx context.Context, nodeID string, session *model.LiveSession, options map[string]string) error
	SendSessionFrame(ctx context.Context, nodeID string, frame model.SessionFrame) error
	SendSessionStop(ctx context.Context, nodeID, sessionID, reason string) error
}

// Subscriber is one dashboard client attached to a session. Frames arrive on
// C; the channel is closed when the session ends or the subscriber is removed.
type Subscriber struct {
	ID string
	C  chan model.SessionFrame

	session *session
}

// session is the in-memory relay state for one live session. The persisted
// row is the durable record; this struct is the hot path.
type session struct {
	mu          sync.Mutex
	model       model.LiveSession
	policy      kindPolicy
	subscribers map[string]*Subscriber
	lastActive  time.Time
	dropped     int
}

// Broker multiplexes live session streams between node agents and dashboard
// clients. Session metadata is persisted; relay state is memory-only and dies
// with the process.
type Broker struct {
	db     core.DB
	agents AgentLink
	bus    *bus.Bus
	logger zerolog.Logger

	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func New(db core.DB, agents AgentLink, b *bus.Bus, logger zerolog.Logger, idleTimeout time.Duration) *Broker {
	return &Broker{
		db:          db,
		agents:      agents,
		bus:         b,
		logger:      logger.With().Str("component", "session-broker").Logger(),
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// StartSession validates, persists and registers a new session in pending,
// then opens the upstream channel to the node agent. It returns before the
// agent acknowledges; the ack arrives asynchronously via HandleNodeAck.
func (b *Broker) StartSession(ctx context.Context, nodeID, kind, clientID string, options map[string]string) (*model.LiveSession, error) {
	policy, ok := kindPolicies[kind]
	if !ok {
		return nil, fmt.Errorf("start session on %s: %w: %q", nodeID, ErrUnknownKind, kind)
	}
	if !b.agents.Online(nodeID) {
		return nil, fmt.Errorf("start %s session on %s: %w", kind, nodeID, ErrNodeOffline)
	}

	sess := &session{
		model: model.LiveSession{
			ID:        platform.NewName("sess_"),
			NodeID:    nodeID,
			Kind:      kind,
			State:     model.SessionPending,
			ClientID:  clientID,
			CreatedAt: time.Now(),
		},
		policy:      policy,
		subscribers: make(map[string]*Subscriber),
		lastActive:  time.Now(),
	}

	// Registration and the exclusivity check are one critical section, so two
	// concurrent starts of an exclusive kind yield exactly one winner.
	b.mu.Lock()
	if policy.exclusive {
		for _, other := range b.sessions {
			if other.model.NodeID == nodeID && other.model.Kind == kind {
				b.mu.Unlock()
				return nil, fmt.Errorf("start %s session on %s: %w", kind, nodeID, ErrSessionKindConflict)
			}
		}
	}
	b.sessions[sess.model.ID] = sess
	b.mu.Unlock()

	_, err := b.db.Exec(ctx,
		`INSERT INTO live_sessions (id, node_id, kind, state, client_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.model.ID, nodeID, kind, model.SessionPending, clientID, sess.model.CreatedAt,
	)
	if err != nil {
		b.forget(sess.model.ID)
		return nil, fmt.Errorf("persist %s session on %s: %w", kind, nodeID, err)
	}

	if err := b.agents.SendSessionStart(ctx, nodeID, &sess.model, options); err != nil {
		b.terminate(context.WithoutCancel(ctx), sess, model.SessionError, model.CloseReasonNodeGone, false)
		return nil, fmt.Errorf("open %s session on %s: %w", kind, nodeID, ErrNodeOffline)
	}

	b.publish("session_started", &sess.model)
	out := sess.model
	return &out, nil
}

// HandleNodeAck transitions pending→active when the node agent confirms the
// stream is open. A duplicate ack is a no-op.
func (b *Broker) HandleNodeAck(ctx context.Context, sessionID string) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return fmt.Errorf("ack session %s: %w", sessionID, ErrSessionNotFound)
	}

	sess.mu.Lock()
	if sess.model.State != model.SessionPending {
		sess.mu.Unlock()
		return nil
	}
	sess.model.State = model.SessionActive
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	_, err := b.db.Exec(ctx,
		`UPDATE live_sessions SET state = $1 WHERE id = $2 AND state = $3`,
		model.SessionActive, sessionID, model.SessionPending,
	)
	if err != nil {
		return fmt.Errorf("activate session %s: %w", sessionID, err)
	}

	b.publish("session_active", &sess.model)
	return nil
}

// Subscribe attaches a dashboard client to a session's frame stream.
func (b *Broker) Subscribe(sessionID, clientID string) (*Subscriber, error) {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("subscribe to session %s: %w", sessionID, ErrSessionNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if model.SessionTerminal(sess.model.State) {
		return nil, fmt.Errorf("subscribe to session %s: %w", sessionID, ErrSessionTerminal)
	}

	sub := &Subscriber{
		ID:      clientID,
		C:       make(chan model.SessionFrame, sess.policy.queueSize),
		session: sess,
	}
	sess.subscribers[clientID] = sub
	sess.lastActive = time.Now()
	return sub, nil
}

// Unsubscribe detaches one client. The last subscriber leaving closes the
// session regardless of kind: with nobody watching there is no reason to keep
// the node streaming, and a fresh attach starts a fresh session.
func (b *Broker) Unsubscribe(ctx context.Context, sub *Subscriber) {
	sess := sub.session

	sess.mu.Lock()
	if _, ok := sess.subscribers[sub.ID]; ok {
		delete(sess.subscribers, sub.ID)
		close(sub.C)
	}
	remaining := len(sess.subscribers)
	sess.mu.Unlock()

	if remaining == 0 {
		_ = b.close(ctx, sess.model.ID, model.SessionClosed, model.CloseReasonClientGone)
	}
}

// Deliver relays one frame from the node agent to every subscriber. The
// return value tells the caller whether to acknowledge the frame upstream:
// drop-oldest kinds always acknowledge; throttle kinds deliver all-or-nothing,
// and a false return means nothing was enqueued and the caller must retry the
// same frame before reading further session traffic.
func (b *Broker) Deliver(sessionID string, frame model.SessionFrame) bool {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return true
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.model.State != model.SessionActive {
		return true
	}
	sess.lastActive = time.Now()

	if sess.policy.overflow == throttleUpstream {
		// All sends happen under sess.mu, so a space check now cannot be
		// invalidated before the sends below.
		for _, sub := range sess.subscribers {
			if len(sub.C) == cap(sub.C) {
				return false
			}
		}
		for _, sub := range sess.subscribers {
			sub.C <- frame
		}
		return true
	}

	for _, sub := range sess.subscribers {
		select {
		case sub.C <- frame:
			continue
		default:
		}
		// Shed the oldest frame for this subscriber only.
		select {
		case <-sub.C:
			sess.dropped++
			metrics.SessionFramesDroppedTotal.Inc()
		default:
		}
		select {
		case sub.C <- frame:
		default:
		}
	}
	return true
}

// FindActive returns a non-terminal session of the given kind for a node, if
// one is registered. Shared-kind consumers attach to it instead of opening a
// duplicate upstream channel.
func (b *Broker) FindActive(nodeID, kind string) (*model.LiveSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		sess.mu.Lock()
		match := sess.model.NodeID == nodeID && sess.model.Kind == kind && !model.SessionTerminal(sess.model.State)
		m := sess.model
		sess.mu.Unlock()
		if match {
			return &m, true
		}
	}
	return nil, false
}

// ClientInput forwards a dashboard-originated frame (shell keystrokes, resize,
// pings) upstream to the node agent.
func (b *Broker) ClientInput(ctx context.Context, sessionID string, frame model.SessionFrame) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	if model.SessionTerminal(sess.model.State) {
		sess.mu.Unlock()
		return ErrSessionTerminal
	}
	nodeID := sess.model.NodeID
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	frame.SessionID = sessionID
	return b.agents.SendSessionFrame(ctx, nodeID, frame)
}

// ActiveCount reports the number of registered (pending or active) sessions.
func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Touch records client keep-alive activity.
func (b *Broker) Touch(sessionID string) {
	if sess, ok := b.lookup(sessionID); ok {
		sess.mu.Lock()
		sess.lastActive = time.Now()
		sess.mu.Unlock()
	}
}

// StopSession is the clean, client-initiated close.
func (b *Broker) StopSession(ctx context.Context, sessionID string) error {
	return b.close(ctx, sessionID, model.SessionClosed, model.CloseReasonClientStop)
}

// NodeDisconnected errors out every live session on a node whose agent
// channel dropped.
func (b *Broker) NodeDisconnected(ctx context.Context, nodeID string) {
	b.mu.Lock()
	var ids []string
	for id, sess := range b.sessions {
		if sess.model.NodeID == nodeID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.close(ctx, id, model.SessionError, model.CloseReasonNodeGone)
	}
}

// Get returns a snapshot of a live session.
func (b *Broker) Get(sessionID string) (*model.LiveSession, error) {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := sess.model
	return &out, nil
}

// Run drives the idle reaper until the context ends. Sessions with no frames
// and no client keep-alive within the idle timeout are errored out, never
// silently dropped.
func (b *Broker) Run(ctx context.Context) error {
	interval := b.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.reapIdle(ctx)
		}
	}
}

func (b *Broker) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-b.idleTimeout)

	b.mu.Lock()
	var stale []string
	for id, sess := range b.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.logger.Info().Str("session_id", id).Msg("session idle timeout")
		_ = b.close(ctx, id, model.SessionError, model.CloseReasonIdleTimeout)
	}
}

func (b *Broker) close(ctx context.Context, sessionID, state, reason string) error {
	sess, ok := b.lookup(sessionID)
	if !ok {
		return fmt.Errorf("close session %s: %w", sessionID, ErrSessionNotFound)
	}
	b.terminate(ctx, sess, state, reason, true)
	return nil
}

// terminate finalizes a session: memory state, subscriber channels, the
// persisted row, and the node-facing channel. Idempotent.
func (b *Broker) terminate(ctx context.Context, sess *session, state, reason string, notifyAgent bool) {
	sess.mu.Lock()
	if model.SessionTerminal(sess.model.State) {
		sess.mu.Unlock()
		return
	}
	now := time.Now()
	sess.model.State = state
	sess.model.Reason = reason
	sess.model.ClosedAt = &now

	closeFrame := model.SessionFrame{Type: model.FrameClosed, SessionID: sess.model.ID, Message: reason}
	for id, sub := range sess.subscribers {
		select {
		case sub.C <- closeFrame:
		default:
		}
		close(sub.C)
		delete(sess.subscribers, id)
	}
	snapshot := sess.model
	dropped := sess.dropped
	sess.mu.Unlock()

	b.forget(snapshot.ID)

	_, err := b.db.Exec(ctx,
		`UPDATE live_sessions SET state = $1, reason = $2, closed_at = $3 WHERE id = $4 AND state = ANY($5)`,
		state, reason, now, snapshot.ID, []string{model.SessionPending, model.SessionActive},
	)
	if err != nil {
		b.logger.Error().Err(err).Str("session_id", snapshot.ID).Msg("persist session close")
	}

	if notifyAgent {
		if err := b.agents.SendSessionStop(ctx, snapshot.NodeID, snapshot.ID, reason); err != nil {
			b.logger.Debug().Err(err).Str("session_id", snapshot.ID).Msg("agent stop notify skipped")
		}
	}

	b.logger.Info().
		Str("session_id", snapshot.ID).
		Str("node_id", snapshot.NodeID).
		Str("kind", snapshot.Kind).
		Str("state", state).
		Str("reason", reason).
		Int("dropped_frames", dropped).
		Msg("session ended")
	b.publish("session_ended", &snapshot)
}

func (b *Broker) lookup(sessionID string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	return sess, ok
}

func (b *Broker) forget(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

func (b *Broker) publish(eventType string, sess *model.LiveSession) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(bus.Event{Topic: bus.TopicSessions, Type: eventType, Payload: sess})
}
