// Package conversation runs the turn loop: one inbound utterance or image
// at a time through visual analysis, protocol advancement, history, and
// best-effort speech. Protocol session state and history have exactly one
// writer, the worker goroutine.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apibridge "github.com/savantlabs/savant/api/bridge"
	"github.com/savantlabs/savant/internal/incidentlog"
	"github.com/savantlabs/savant/internal/protocol"
	"github.com/savantlabs/savant/providers/tts"
	"github.com/savantlabs/savant/providers/vision"
)

const (
	// Greeting is spoken when the conversation starts.
	Greeting = "Savant System Online. Monitoring vitals. Describe the emergency."
	// EmptyTurnReply answers a turn that carried neither text nor image.
	EmptyTurnReply = "Awaiting input."

	echoPrefix = "I heard you say: "

	imageOnlyHistoryEntry = "[Image Analysis]"
)

// Publisher is the outbound half of the session bridge the orchestrator
// needs: context text and synthesized audio.
type Publisher interface {
	PublishText(ctx context.Context, text string) error
	PublishAudio(pcm []byte)
}

// IncidentLogger persists patient-state observations.
type IncidentLogger interface {
	Append(ctx context.Context, record incidentlog.Record) error
}

// Input is one queued turn: transcribed speech, an image, or both.
type Input struct {
	Text  string
	Image []byte
}

func (in Input) empty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Image) == 0
}

// Config controls orchestrator behavior.
type Config struct {
	// QueueDepth bounds how many turns may wait while one is in flight.
	QueueDepth int
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueDepth < 1 {
		c.QueueDepth = 16
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dependencies wires the orchestrator's collaborators. Publisher and Engine
// are required; Vision, Synth, and Incidents are optional enhancements and
// their absence or failure never fails a turn.
type Dependencies struct {
	Publisher Publisher
	Engine    *protocol.Engine
	Vision    vision.Analyzer
	Synth     tts.Synthesizer
	Incidents IncidentLogger
}

// Orchestrator serializes turns through a single worker. Utterances
// arriving mid-turn queue FIFO; history is append-only and strictly
// ordered by turn completion.
type Orchestrator struct {
	cfg       Config
	publisher Publisher
	engine    *protocol.Engine
	vision    vision.Analyzer
	synth     tts.Synthesizer
	incidents IncidentLogger

	session protocol.Session

	mu      sync.Mutex
	history []apibridge.ConversationTurn
	started bool
	cancel  context.CancelFunc

	queue    chan Input
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs an orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("protocol engine is required")
	}
	return &Orchestrator{
		cfg:       cfg,
		publisher: deps.Publisher,
		engine:    deps.Engine,
		vision:    deps.Vision,
		synth:     deps.Synth,
		incidents: deps.Incidents,
		queue:     make(chan Input, cfg.QueueDepth),
	}, nil
}

// Start launches the turn worker and speaks the greeting. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.respond(runCtx, Greeting)

	o.wg.Add(1)
	go o.worker(runCtx)
}

// Stop cancels the in-flight turn and drains nothing further. Queued
// inputs are discarded. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.wg.Wait()
		logger.Info("conversation stopped", "turns", len(o.History()))
	})
}

// HandleUtterance adapts the bridge handler signature onto Submit.
func (o *Orchestrator) HandleUtterance(utterance apibridge.Utterance) {
	o.Submit(Input{Text: utterance.Text})
}

// Submit queues one turn. When the queue is full the input is dropped
// with a warning rather than blocking the caller.
func (o *Orchestrator) Submit(input Input) {
	select {
	case o.queue <- input:
	default:
		logger.Warn("turn queue full, dropping input", "text", input.Text)
	}
}

// History returns a snapshot copy of the conversation so far.
func (o *Orchestrator) History() []apibridge.ConversationTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make([]apibridge.ConversationTurn, len(o.history))
	copy(snapshot, o.history)
	return snapshot
}

// ClearHistory resets the conversation on explicit user command. The
// protocol session restarts with it.
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	o.history = nil
	o.session.Reset()
	o.mu.Unlock()
	logger.Info("conversation history cleared")
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case input := <-o.queue:
			o.processTurn(ctx, input)
		}
	}
}

// processTurn is the per-turn algorithm. Exactly one runs at a time.
func (o *Orchestrator) processTurn(ctx context.Context, input Input) {
	turnCtx, span := tracer.Start(ctx, "conversation turn")
	defer span.End()
	turnID := uuid.NewString()

	text := strings.TrimSpace(input.Text)
	switch {
	case text != "":
		o.appendTurn(apibridge.RoleUser, text)
	case len(input.Image) > 0:
		o.appendTurn(apibridge.RoleUser, imageOnlyHistoryEntry)
	}

	var finding *apibridge.VisualFinding
	if len(input.Image) > 0 && o.vision != nil {
		finding = o.analyzeImage(turnCtx, input.Image)
	}

	combined := text
	if finding != nil {
		combined = strings.TrimSpace(combined + " " + finding.ContextSuffix())
	}
	if combined == "" {
		o.respond(turnCtx, EmptyTurnReply)
		return
	}

	// Context publish is best-effort; a degraded session never stalls the turn.
	if err := o.publisher.PublishText(turnCtx, combined); err != nil {
		logger.Warn("context publish failed", "turn_id", turnID, "error", err)
	}

	response, outcome := o.resolveResponse(combined, finding)
	logger.Info("turn resolved", "turn_id", turnID,
		"signal", string(outcome.Signal), "protocol", outcome.ProtocolID, "step", outcome.StepID)
	o.respond(turnCtx, response)
}

// resolveResponse asks the protocol engine for the next instruction. The
// echo fallback is always available and never errors.
func (o *Orchestrator) resolveResponse(combined string, finding *apibridge.VisualFinding) (string, protocol.Outcome) {
	o.mu.Lock()
	outcome := o.engine.Advance(&o.session, combined, finding)
	o.mu.Unlock()
	if outcome.Signal != protocol.SignalNoProtocol && strings.TrimSpace(outcome.VoiceText) != "" {
		return outcome.VoiceText, outcome
	}
	return echoPrefix + combined, outcome
}

// analyzeImage runs the vision collaborator and records the observation.
// A failed analysis degrades to the fallback finding, never an error.
func (o *Orchestrator) analyzeImage(ctx context.Context, image []byte) *apibridge.VisualFinding {
	analysis := o.vision.Analyze(ctx, image)
	finding := &apibridge.VisualFinding{
		Injury:      analysis.Injury,
		Severity:    analysis.Severity,
		OverlayText: analysis.VisualOverlay,
		Timestamp:   o.cfg.Now(),
	}

	if o.incidents != nil {
		record := incidentlog.Record{
			HeartRate:      "--",
			InjuryDetected: finding.Injury,
			ActionsTaken:   "Visual Analysis: " + finding.Severity,
		}
		if err := o.incidents.Append(ctx, record); err != nil {
			logger.Warn("incident log append failed", "error", err)
		}
	}
	return finding
}

// respond appends the assistant turn and speaks it. Text is authoritative;
// synthesis and audio publish are best-effort enhancements.
func (o *Orchestrator) respond(ctx context.Context, text string) {
	o.appendTurn(apibridge.RoleAssistant, text)

	if o.synth == nil {
		return
	}
	synthesis, err := o.synth.Synthesize(ctx, text)
	if err != nil {
		logger.Warn("speech synthesis failed", "error", err)
		return
	}
	if synthesis.Empty() {
		return
	}
	o.publisher.PublishAudio(synthesis.PCM)
}

func (o *Orchestrator) appendTurn(role apibridge.Role, content string) {
	turn := apibridge.ConversationTurn{Role: role, Content: content, Timestamp: o.cfg.Now()}
	if err := turn.Validate(); err != nil {
		logger.Warn("dropping invalid conversation turn", "error", err)
		return
	}
	o.mu.Lock()
	o.history = append(o.history, turn)
	o.mu.Unlock()
}
