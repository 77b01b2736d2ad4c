package protocol

import (
	"testing"
	"time"

	apibridge "github.com/savantlabs/savant/api/bridge"
	apiprotocol "github.com/savantlabs/savant/api/protocol"
)

func hemorrhageProtocol() apiprotocol.Protocol {
	return apiprotocol.Protocol{
		ID:       "hemorrhage",
		Name:     "Hemorrhage Control",
		Keywords: []string{"bleeding", "blood", "leg", "hemorrhage", "arterial"},
		Tree: map[string]apiprotocol.Step{
			"step_1": {
				VoiceText: "Is blood spurting from the wound?",
				Options:   map[string]string{"yes": "step_tourniquet", "no": "step_pressure"},
			},
			"step_tourniquet": {
				VoiceText:   "Place tourniquet 2 to 3 inches above the wound. Tighten until bleeding stops.",
				VisualMode:  true,
				DefaultNext: "step_check_time",
			},
			"step_check_time": {
				VoiceText: "Note the application time on the tourniquet.",
			},
			"step_pressure": {
				VoiceText:  "Apply direct, steady pressure to the bleeding site.",
				VisualMode: true,
			},
		},
	}
}

func burnProtocol() apiprotocol.Protocol {
	return apiprotocol.Protocol{
		ID:       "burns",
		Name:     "Burn Treatment",
		Keywords: []string{"burn", "fire", "scald"},
		Tree: map[string]apiprotocol.Step{
			"step_1": {VoiceText: "Cool the burn under running water for twenty minutes."},
		},
	}
}

func newTestEngine(protocols ...apiprotocol.Protocol) *Engine {
	return NewEngine(protocols, nil, Config{})
}

func TestSelectProtocolByKeywordScore(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol(), burnProtocol())

	proto, ok := engine.SelectProtocol("there is blood everywhere, my leg is bleeding")
	if !ok || proto.ID != "hemorrhage" {
		t.Fatalf("expected hemorrhage selection, got ok=%v id=%s", ok, proto.ID)
	}

	proto, ok = engine.SelectProtocol("a bad burn from the fire")
	if !ok || proto.ID != "burns" {
		t.Fatalf("expected burns selection, got ok=%v id=%s", ok, proto.ID)
	}

	if _, ok := engine.SelectProtocol("I feel dizzy"); ok {
		t.Fatalf("expected no selection below threshold")
	}
}

func TestSelectProtocolTieBreaksByDeclarationOrder(t *testing.T) {
	t.Parallel()

	first := apiprotocol.Protocol{
		ID: "first", Name: "First", Keywords: []string{"pain"},
		Tree: map[string]apiprotocol.Step{"step_1": {VoiceText: "First instruction."}},
	}
	second := apiprotocol.Protocol{
		ID: "second", Name: "Second", Keywords: []string{"pain"},
		Tree: map[string]apiprotocol.Step{"step_1": {VoiceText: "Second instruction."}},
	}
	engine := newTestEngine(first, second)

	proto, ok := engine.SelectProtocol("severe pain")
	if !ok || proto.ID != "first" {
		t.Fatalf("expected declaration-order tie break, got ok=%v id=%s", ok, proto.ID)
	}
}

func TestAdvanceActivatesOnFirstMatchingUtterance(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}

	outcome := engine.Advance(session, "my leg is bleeding", nil)
	if outcome.Signal != SignalSelected {
		t.Fatalf("expected selection, got %s", outcome.Signal)
	}
	if outcome.StepID != "step_1" || outcome.VoiceText != "Is blood spurting from the wound?" {
		t.Fatalf("unexpected entry outcome: %+v", outcome)
	}
	if session.ActiveProtocolID != "hemorrhage" || session.CurrentStepID != "step_1" {
		t.Fatalf("unexpected session state: %+v", session)
	}
}

func TestAdvanceFollowsOptionIntent(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}
	engine.Advance(session, "bleeding", nil)

	outcome := engine.Advance(session, "yes it is spurting", nil)
	if outcome.Signal != SignalAdvanced || outcome.StepID != "step_tourniquet" {
		t.Fatalf("expected advance to step_tourniquet, got %+v", outcome)
	}
	if outcome.VoiceText != "Place tourniquet 2 to 3 inches above the wound. Tighten until bleeding stops." {
		t.Fatalf("unexpected voice text %q", outcome.VoiceText)
	}
	if !outcome.VisualMode {
		t.Fatalf("expected visual mode step")
	}
}

func TestAdvanceVisualModeStepWaitsForFinding(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}
	engine.Advance(session, "bleeding", nil)
	engine.Advance(session, "yes", nil)

	// No finding: hold position and re-ask.
	outcome := engine.Advance(session, "done I think", nil)
	if outcome.Signal != SignalAwaitingVisual {
		t.Fatalf("expected awaiting visual, got %s", outcome.Signal)
	}
	if session.CurrentStepID != "step_tourniquet" {
		t.Fatalf("session must not move while awaiting visual, at %s", session.CurrentStepID)
	}

	// With a finding the default transition applies.
	finding := &apibridge.VisualFinding{Injury: "Arterial Bleed", Severity: "CRITICAL", Timestamp: time.Unix(1, 0)}
	outcome = engine.Advance(session, "tourniquet is on", finding)
	if outcome.Signal != SignalAdvanced || outcome.StepID != "step_check_time" {
		t.Fatalf("expected advance to step_check_time, got %+v", outcome)
	}
}

func TestAdvanceDoesNotSteerOnEmbeddedIntentWord(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}
	engine.Advance(session, "bleeding", nil)

	// "know" contains "no" but must not take the no branch.
	outcome := engine.Advance(session, "I don't know", nil)
	if outcome.Signal != SignalClarificationNeeded {
		t.Fatalf("expected clarification, got %s", outcome.Signal)
	}
	if session.CurrentStepID != "step_1" {
		t.Fatalf("session must stay on current step, at %s", session.CurrentStepID)
	}
}

func TestAdvanceClarificationWhenNothingMatches(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}
	engine.Advance(session, "bleeding", nil)

	outcome := engine.Advance(session, "purple monkey dishwasher", nil)
	if outcome.Signal != SignalClarificationNeeded {
		t.Fatalf("expected clarification, got %s", outcome.Signal)
	}
	if session.CurrentStepID != "step_1" {
		t.Fatalf("session must stay on current step, at %s", session.CurrentStepID)
	}
	if outcome.VoiceText != "Is blood spurting from the wound?" {
		t.Fatalf("expected current step re-ask, got %q", outcome.VoiceText)
	}
}

func TestAdvanceNoProtocolSignalsFallback(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}

	outcome := engine.Advance(session, "hello there", nil)
	if outcome.Signal != SignalNoProtocol {
		t.Fatalf("expected no-protocol signal, got %s", outcome.Signal)
	}
	if session.ActiveProtocolID != "" {
		t.Fatalf("session must stay unactivated, got %s", session.ActiveProtocolID)
	}
}

func TestAdvanceRecoversWhenLibraryDroppedActiveProtocol(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{ActiveProtocolID: "removed", CurrentStepID: "step_9"}

	outcome := engine.Advance(session, "still bleeding a lot", nil)
	if outcome.Signal != SignalSelected || outcome.ProtocolID != "hemorrhage" {
		t.Fatalf("expected fresh activation, got %+v", outcome)
	}
}

func TestAdvanceRecordsVisitedSteps(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(hemorrhageProtocol())
	session := &Session{}
	engine.Advance(session, "bleeding", nil)
	engine.Advance(session, "no", nil)

	want := []string{"step_1", "step_pressure"}
	if len(session.VisitedStepIDs) != len(want) {
		t.Fatalf("unexpected visited steps %v", session.VisitedStepIDs)
	}
	for i, id := range want {
		if session.VisitedStepIDs[i] != id {
			t.Fatalf("visited[%d]=%s, want %s", i, session.VisitedStepIDs[i], id)
		}
	}
}
