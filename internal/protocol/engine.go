package protocol

import (
	"sort"
	"strings"

	apibridge "github.com/savantlabs/savant/api/bridge"
	apiprotocol "github.com/savantlabs/savant/api/protocol"
)

// Signal classifies what one Advance call did.
type Signal string

const (
	// SignalSelected means a protocol was activated and its entry step
	// instruction is the response.
	SignalSelected Signal = "protocol_selected"
	// SignalAdvanced means the active session moved one step.
	SignalAdvanced Signal = "advanced"
	// SignalClarificationNeeded means nothing matched and no default
	// transition exists; the session stays on the current step.
	SignalClarificationNeeded Signal = "clarification_needed"
	// SignalAwaitingVisual means the current step expects a visual finding
	// that was not supplied; the session stays on the current step.
	SignalAwaitingVisual Signal = "awaiting_visual"
	// SignalNoProtocol means no protocol scored above the selection
	// threshold; the caller decides on fallback behavior.
	SignalNoProtocol Signal = "no_protocol"
)

// Session is the traversal state for one ongoing conversation. It is
// mutated only by the engine, one transition per utterance.
type Session struct {
	ActiveProtocolID string
	CurrentStepID    string
	VisitedStepIDs   []string
}

// Reset clears the traversal state.
func (s *Session) Reset() {
	s.ActiveProtocolID = ""
	s.CurrentStepID = ""
	s.VisitedStepIDs = nil
}

// Outcome is the result of one Advance call.
type Outcome struct {
	Signal     Signal
	ProtocolID string
	StepID     string
	VoiceText  string
	VisualMode bool
}

// Config controls engine matching behavior.
type Config struct {
	// SelectionThreshold is the minimum matcher score for protocol
	// activation. Scores below it yield SignalNoProtocol.
	SelectionThreshold float64
}

// Engine advances a protocol session given an utterance and an optional
// visual finding. Protocol declaration order breaks selection ties.
type Engine struct {
	protocols []apiprotocol.Protocol
	byID      map[string]apiprotocol.Protocol
	matcher   Matcher
	threshold float64
}

// NewEngine constructs an engine over already-validated protocols.
func NewEngine(protocols []apiprotocol.Protocol, matcher Matcher, cfg Config) *Engine {
	if matcher == nil {
		matcher = KeywordMatcher{}
	}
	if cfg.SelectionThreshold <= 0 {
		cfg.SelectionThreshold = 0.1
	}
	byID := make(map[string]apiprotocol.Protocol, len(protocols))
	for _, p := range protocols {
		byID[p.ID] = p
	}
	return &Engine{
		protocols: protocols,
		byID:      byID,
		matcher:   matcher,
		threshold: cfg.SelectionThreshold,
	}
}

// ProtocolCount reports how many protocols are loaded.
func (e *Engine) ProtocolCount() int {
	return len(e.protocols)
}

// SelectProtocol matches utterance text against every protocol's keyword
// set. The highest score at or above the threshold wins; declaration order
// breaks ties. No match returns false.
func (e *Engine) SelectProtocol(text string) (apiprotocol.Protocol, bool) {
	var best apiprotocol.Protocol
	bestScore := 0.0
	found := false
	for _, p := range e.protocols {
		score := e.matcher.Score(text, p.Keywords)
		if score < e.threshold {
			continue
		}
		if !found || score > bestScore {
			best = p
			bestScore = score
			found = true
		}
	}
	return best, found
}

// Advance performs at most one protocol-step transition for the given
// utterance and optional finding, mutating the session in place.
func (e *Engine) Advance(session *Session, utteranceText string, finding *apibridge.VisualFinding) Outcome {
	if session.ActiveProtocolID == "" {
		return e.activate(session, utteranceText)
	}

	proto, ok := e.byID[session.ActiveProtocolID]
	if !ok {
		// Library changed underneath an old session; start over.
		session.Reset()
		return e.activate(session, utteranceText)
	}
	step := proto.Tree[session.CurrentStepID]

	if step.VisualMode && finding == nil {
		return Outcome{
			Signal:     SignalAwaitingVisual,
			ProtocolID: proto.ID,
			StepID:     session.CurrentStepID,
			VoiceText:  step.VoiceText,
			VisualMode: true,
		}
	}

	if nextID, ok := e.matchOption(step, utteranceText); ok {
		return e.moveTo(session, proto, nextID)
	}
	if step.DefaultNext != "" {
		return e.moveTo(session, proto, step.DefaultNext)
	}
	return Outcome{
		Signal:     SignalClarificationNeeded,
		ProtocolID: proto.ID,
		StepID:     session.CurrentStepID,
		VoiceText:  step.VoiceText,
		VisualMode: step.VisualMode,
	}
}

func (e *Engine) activate(session *Session, utteranceText string) Outcome {
	proto, ok := e.SelectProtocol(utteranceText)
	if !ok {
		return Outcome{Signal: SignalNoProtocol}
	}
	entryID := proto.EntryStepID()
	session.ActiveProtocolID = proto.ID
	session.CurrentStepID = entryID
	session.VisitedStepIDs = append(session.VisitedStepIDs, entryID)
	step := proto.Tree[entryID]
	logger.Info("protocol selected", "protocol", proto.ID, "entry_step", entryID)
	return Outcome{
		Signal:     SignalSelected,
		ProtocolID: proto.ID,
		StepID:     entryID,
		VoiceText:  step.VoiceText,
		VisualMode: step.VisualMode,
	}
}

// matchOption scores the utterance against each option intent and returns
// the mapped step for the best positive score. Intents are visited in
// sorted order so ties resolve deterministically.
func (e *Engine) matchOption(step apiprotocol.Step, utteranceText string) (string, bool) {
	if len(step.Options) == 0 || strings.TrimSpace(utteranceText) == "" {
		return "", false
	}
	intents := make([]string, 0, len(step.Options))
	for intent := range step.Options {
		intents = append(intents, intent)
	}
	sort.Strings(intents)

	bestScore := 0.0
	bestNext := ""
	for _, intent := range intents {
		score := e.matcher.Score(utteranceText, []string{intent})
		if score > bestScore {
			bestScore = score
			bestNext = step.Options[intent]
		}
	}
	return bestNext, bestNext != ""
}

func (e *Engine) moveTo(session *Session, proto apiprotocol.Protocol, stepID string) Outcome {
	session.CurrentStepID = stepID
	session.VisitedStepIDs = append(session.VisitedStepIDs, stepID)
	step := proto.Tree[stepID]
	return Outcome{
		Signal:     SignalAdvanced,
		ProtocolID: proto.ID,
		StepID:     stepID,
		VoiceText:  step.VoiceText,
		VisualMode: step.VisualMode,
	}
}
