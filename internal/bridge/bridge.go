// Package bridge owns the lifecycle of the one realtime session the agent
// holds: token acquisition, connect and reconnect supervision, inbound
// event routing, and outbound text/audio publishing.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apibridge "github.com/savantlabs/savant/api/bridge"
	"github.com/savantlabs/savant/internal/bridge/audiobuffer"
	"github.com/savantlabs/savant/internal/bridge/eventrouter"
	"github.com/savantlabs/savant/internal/bridge/sessionfsm"
	"github.com/savantlabs/savant/internal/bridge/token"
)

var (
	// ErrNotConnected is returned by publish calls outside the Active state.
	ErrNotConnected = errors.New("session is not active")
	// ErrSessionUnavailable is surfaced once the bounded token retry budget
	// is exhausted without a usable grant.
	ErrSessionUnavailable = errors.New("session unavailable")
)

// TokenSource issues session credentials. One Fetch is one network call;
// retry policy lives in the bridge.
type TokenSource interface {
	Fetch(ctx context.Context) (apibridge.TokenGrant, error)
}

// Handler receives each normalized utterance. Handlers run on the read
// loop goroutine; failures are isolated and never stop consumption.
type Handler func(utterance apibridge.Utterance)

// Config controls bridge lifecycle behavior.
type Config struct {
	ParticipantName    string
	TokenAttempts      int
	TokenRetryDelay    time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	AudioBufferFrames  int
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ParticipantName == "" {
		c.ParticipantName = "TheSavant"
	}
	if c.TokenAttempts < 1 {
		c.TokenAttempts = 3
	}
	if c.TokenRetryDelay <= 0 {
		c.TokenRetryDelay = 2 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AudioBufferFrames < 1 {
		c.AudioBufferFrames = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dependencies wires the bridge seams for runtime and tests.
type Dependencies struct {
	Tokens TokenSource
	Dialer Dialer
	Router *eventrouter.Router
}

// Bridge maintains the bidirectional session channel. Exactly one Bridge
// exists per running agent instance.
type Bridge struct {
	cfg       Config
	tokens    TokenSource
	dialer    Dialer
	router    *eventrouter.Router
	fsm       *sessionfsm.FSM
	outbound  *audiobuffer.Buffer
	sessionID string

	mu          sync.Mutex
	conn        Conn
	grant       apibridge.TokenGrant
	tokenExpiry time.Time
	handler     Handler
	cancel      context.CancelFunc
	started     bool

	stopOnce  sync.Once
	wg        sync.WaitGroup
	reconnect chan struct{}
	seq       atomic.Int64
}

// New constructs a bridge.
func New(cfg Config, deps Dependencies) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if deps.Dialer == nil {
		deps.Dialer = WebsocketDialer{}
	}
	if deps.Router == nil {
		deps.Router = eventrouter.New(eventrouter.Config{Now: cfg.Now})
	}
	outbound, err := audiobuffer.New(audiobuffer.Config{MaxFrames: cfg.AudioBufferFrames})
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:       cfg,
		tokens:    deps.Tokens,
		dialer:    deps.Dialer,
		router:    deps.Router,
		fsm:       sessionfsm.New(sessionfsm.Config{Now: cfg.Now}),
		outbound:  outbound,
		sessionID: uuid.NewString(),
		reconnect: make(chan struct{}, 1),
	}, nil
}

// SessionID returns the stable identity of this session instance.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// State returns the current session lifecycle state.
func (b *Bridge) State() sessionfsm.State {
	return b.fsm.State()
}

// RoomName returns the granted room, empty before the first token fetch.
func (b *Bridge) RoomName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grant.RoomName
}

// OnUtterance registers the utterance handler. Must be called before Start.
func (b *Bridge) OnUtterance(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Start brings the session up: token fetch with a bounded retry budget,
// then connect. Idempotent; a second call while the session is live is a
// no-op. A missing credential fails fast without any connect attempt; an
// initial dial failure is non-fatal and hands off to the reconnect
// supervisor in the Degraded state.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	if b.fsm.IsTerminal() {
		b.mu.Unlock()
		return ErrSessionUnavailable
	}
	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if _, err := b.fsm.Transition(sessionfsm.StateTokenFetching); err != nil {
		return nil // stopped underneath us
	}
	grant, err := b.fetchToken(runCtx)
	if err != nil {
		b.fsm.Transition(sessionfsm.StateClosed)
		return err
	}
	b.storeGrant(grant)

	if _, err := b.fsm.Transition(sessionfsm.StateConnecting); err != nil {
		return nil
	}

	b.wg.Add(2)
	go b.supervise(runCtx)
	go b.writeLoop(runCtx)

	conn, err := b.dialer.Dial(runCtx, grant)
	if err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		logger.Warn("initial connect failed, entering degraded state", "error", err)
		if _, terr := b.fsm.Transition(sessionfsm.StateDegraded); terr == nil {
			b.requestReconnect()
		}
		return nil
	}
	b.adoptConn(runCtx, conn)
	return nil
}

// Stop tears the session down: supervisor, read and write loops, any
// publish in flight, and the queued outbound audio. It completes even when
// the supervisor is mid-retry and is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.fsm.Transition(sessionfsm.StateClosed)

		b.mu.Lock()
		cancel := b.cancel
		conn := b.conn
		b.conn = nil
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		b.outbound.Clear()
		b.wg.Wait()
		logger.Info("session bridge stopped", "session_id", b.sessionID)
	})
}

// PublishText publishes turn context to the room. Best effort: it fails
// fast when the session is not Active and never blocks the caller beyond
// one bounded network write.
func (b *Bridge) PublishText(ctx context.Context, text string) error {
	_, span := tracer.Start(ctx, "publish context")
	defer span.End()

	conn := b.activeConn()
	if conn == nil {
		return ErrNotConnected
	}
	err := conn.WriteEnvelope(apibridge.Envelope{
		Kind:        apibridge.KindData,
		Topic:       apibridge.TopicContext,
		Participant: b.cfg.ParticipantName,
		Data:        text,
	})
	if err != nil {
		b.degradeConn(conn, err)
		return fmt.Errorf("publish context: %w", err)
	}
	return nil
}

// PublishAudio queues synthesized PCM for delivery. The queue is bounded
// and drops the oldest frame on overflow, so producers never block.
func (b *Bridge) PublishAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.outbound.Push(audiobuffer.Frame{Sequence: b.seq.Add(1), PCM: pcm})
}

// AudioQueueDepth reports the outbound buffer depth.
func (b *Bridge) AudioQueueDepth() int {
	return b.outbound.Len()
}

// fetchToken runs the bounded token retry budget. A missing API key is
// terminal immediately; anything else retries until the budget runs out
// and then surfaces ErrSessionUnavailable.
func (b *Bridge) fetchToken(ctx context.Context) (apibridge.TokenGrant, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.TokenAttempts; attempt++ {
		grant, err := b.tokens.Fetch(ctx)
		if err == nil {
			return grant, nil
		}
		if errors.Is(err, token.ErrMissingAPIKey) {
			return apibridge.TokenGrant{}, err
		}
		lastErr = err
		logger.Warn("token fetch failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return apibridge.TokenGrant{}, ctx.Err()
		case <-time.After(b.cfg.TokenRetryDelay):
		}
	}
	return apibridge.TokenGrant{}, fmt.Errorf("%w: token fetch exhausted %d attempts: %v",
		ErrSessionUnavailable, b.cfg.TokenAttempts, lastErr)
}

// supervise reconnects the session whenever it degrades, reusing the
// current token while unexpired and refetching otherwise. Backoff grows
// exponentially up to the configured cap.
func (b *Bridge) supervise(ctx context.Context) {
	defer b.wg.Done()
	delay := b.cfg.ReconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.reconnect:
		}

		for !b.fsm.IsTerminal() {
			grant, ok := b.reusableGrant(ctx)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if !sleep(ctx, delay) {
					return
				}
				delay = nextDelay(delay, b.cfg.ReconnectMaxDelay)
				continue
			}

			if _, err := b.fsm.Transition(sessionfsm.StateConnecting); err != nil {
				return
			}
			conn, err := b.dialer.Dial(ctx, grant)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("reconnect attempt failed", "error", err, "retry_in", delay)
				b.fsm.Transition(sessionfsm.StateDegraded)
				if !sleep(ctx, delay) {
					return
				}
				delay = nextDelay(delay, b.cfg.ReconnectMaxDelay)
				continue
			}

			b.adoptConn(ctx, conn)
			delay = b.cfg.ReconnectBaseDelay
			break
		}
	}
}

// reusableGrant returns the stored grant while unexpired, else refetches.
func (b *Bridge) reusableGrant(ctx context.Context) (apibridge.TokenGrant, bool) {
	b.mu.Lock()
	grant := b.grant
	expiry := b.tokenExpiry
	b.mu.Unlock()

	if b.cfg.Now().Before(expiry) {
		return grant, true
	}

	if _, err := b.fsm.Transition(sessionfsm.StateTokenFetching); err != nil {
		return apibridge.TokenGrant{}, false
	}
	fresh, err := b.fetchToken(ctx)
	if err != nil {
		logger.Warn("token refresh failed", "error", err)
		b.fsm.Transition(sessionfsm.StateDegraded)
		return apibridge.TokenGrant{}, false
	}
	b.storeGrant(fresh)
	return fresh, true
}

// adoptConn installs a freshly dialed connection, marks the session
// Active, and starts its read loop.
func (b *Bridge) adoptConn(ctx context.Context, conn Conn) {
	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if _, err := b.fsm.Transition(sessionfsm.StateActive); err != nil {
		_ = conn.Close()
		return
	}
	logger.Info("session active", "session_id", b.sessionID, "room", b.RoomName())

	b.wg.Add(1)
	go b.readLoop(ctx, conn)
}

// readLoop consumes inbound frames for one connection generation. Decode
// failures are logged and dropped; transport failures degrade the session
// and wake the supervisor.
func (b *Bridge) readLoop(ctx context.Context, conn Conn) {
	defer b.wg.Done()
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if errors.Is(err, errFrameSkipped) {
				continue
			}
			if errors.Is(err, ErrMalformedFrame) {
				logger.Warn("dropping malformed inbound frame", "error", err)
				continue
			}
			if ctx.Err() != nil || b.fsm.IsTerminal() {
				return
			}
			// A superseded connection fails its read when adoptConn closes
			// it; that is this generation's clean exit, not a session fault.
			if !b.isCurrentConn(conn) {
				return
			}
			logger.Warn("session read failed", "error", err)
			b.degrade(err)
			return
		}
		if utterance, ok := b.router.Normalize(env); ok {
			b.dispatch(utterance)
		}
	}
}

// dispatch hands one utterance to the registered handler, isolating
// handler panics so the inbound loop survives them.
func (b *Bridge) dispatch(utterance apibridge.Utterance) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("utterance handler panicked", "panic", r, "text", utterance.Text)
		}
	}()
	handler(utterance)
}

// writeLoop drains queued audio frames onto the connection while Active.
// The ticker re-arms draining after reconnects without a fresh Push.
func (b *Bridge) writeLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.outbound.Ready():
		case <-ticker.C:
		}

		conn := b.activeConn()
		if conn == nil {
			continue
		}
		for {
			frame, ok := b.outbound.Pop()
			if !ok {
				break
			}
			if err := conn.WriteAudio(frame.PCM); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("audio publish failed", "sequence", frame.Sequence, "error", err)
				b.degradeConn(conn, err)
				break
			}
		}
	}
}

// degrade moves an Active session to Degraded and wakes the supervisor.
func (b *Bridge) degrade(cause error) {
	if _, err := b.fsm.Transition(sessionfsm.StateDegraded); err != nil {
		return
	}
	logger.Warn("session degraded", "cause", cause)
	b.requestReconnect()
}

// degradeConn degrades the session only when the failing connection is
// still the current one. Errors from a superseded generation must not
// tear down the connection that replaced it.
func (b *Bridge) degradeConn(conn Conn, cause error) {
	if !b.isCurrentConn(conn) {
		return
	}
	b.degrade(cause)
}

func (b *Bridge) isCurrentConn(conn Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn == conn
}

func (b *Bridge) requestReconnect() {
	select {
	case b.reconnect <- struct{}{}:
	default:
	}
}

func (b *Bridge) activeConn() Conn {
	if !b.fsm.Is(sessionfsm.StateActive) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bridge) storeGrant(grant apibridge.TokenGrant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grant = grant
	b.tokenExpiry = token.GrantExpiry(grant, b.cfg.Now())
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
