// Package bridge defines the wire-level contracts shared between the
// realtime session bridge and its collaborators: inbound data-channel
// envelopes, the normalized utterance shape, and the token service payloads.
package bridge

import (
	"fmt"
	"strings"
	"time"
)

const (
	// TopicTranscription is the reserved data-channel topic carrying
	// transcribed user speech, either raw UTF-8 or JSON {"text": ...}.
	TopicTranscription = "lk.transcription"
	// TopicContext is the outbound topic for published turn context.
	TopicContext = "savant.context"

	// AgentIdentityPrefix marks participants whose events are the agent's
	// own speech echoed back and must never re-enter the turn loop.
	AgentIdentityPrefix = "agent-"
)

// EnvelopeKind tags the inbound frame shapes the session service emits.
type EnvelopeKind string

const (
	// KindData is a data-channel message on an arbitrary topic.
	KindData EnvelopeKind = "data"
	// KindTranscription is a legacy transcription event carrying segments.
	KindTranscription EnvelopeKind = "transcription"
)

// TranscriptSegment is one fragment of a legacy transcription event.
type TranscriptSegment struct {
	Text string `json:"text"`
}

// Envelope is the decoded form of one inbound session frame.
type Envelope struct {
	Kind        EnvelopeKind        `json:"kind"`
	Topic       string              `json:"topic,omitempty"`
	Participant string              `json:"participant,omitempty"`
	Data        string              `json:"data,omitempty"`
	Segments    []TranscriptSegment `json:"segments,omitempty"`
}

// FromAgent reports whether the envelope originated from the agent itself.
func (e Envelope) FromAgent() bool {
	return strings.Contains(e.Participant, AgentIdentityPrefix)
}

// Utterance is the single normalized unit of user input. It is immutable
// once constructed and produced only by the event router.
type Utterance struct {
	Text          string
	SourceTopic   string
	ParticipantID string
	Timestamp     time.Time
}

// VisualFinding is the structured result of an image-based injury
// assessment. It is consumed once per turn and never retained.
type VisualFinding struct {
	Injury      string
	Severity    string
	OverlayText string
	Confidence  *float64
	Timestamp   time.Time
}

// ContextSuffix renders the bracketed visual-context fragment appended to
// the combined turn input.
func (f VisualFinding) ContextSuffix() string {
	return fmt.Sprintf("[Visual Info: Found %s, Severity: %s]", f.Injury, f.Severity)
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one entry in the append-only conversation history.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate enforces turn invariants before a history append.
func (t ConversationTurn) Validate() error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", t.Role)
	}
	if t.Content == "" {
		return fmt.Errorf("turn content is required")
	}
	return nil
}

// TokenRequest is the token service request body. Field names are part of
// the collaborator contract and must not change.
type TokenRequest struct {
	ParticipantName string `json:"participant_name"`
}

// TokenGrant is the token service response. Field names are part of the
// collaborator contract and must not change.
type TokenGrant struct {
	LiveKitURL string `json:"livekit_url"`
	Token      string `json:"token"`
	RoomName   string `json:"room_name"`
}

// Validate enforces grant invariants before a connect attempt.
func (g TokenGrant) Validate() error {
	if strings.TrimSpace(g.LiveKitURL) == "" {
		return fmt.Errorf("livekit_url is required")
	}
	if strings.TrimSpace(g.Token) == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}
