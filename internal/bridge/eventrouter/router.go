// Package eventrouter normalizes heterogeneous inbound session events into
// the single canonical Utterance shape. It is a pure mapping layer: no
// side effects beyond warn logging on undecodable frames.
package eventrouter

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/savantlabs/savant/api/bridge"
)

// Config controls router behavior.
type Config struct {
	Now func() time.Time
}

// Router maps inbound envelopes to utterances.
type Router struct {
	now func() time.Time
}

// New constructs a router.
func New(cfg Config) *Router {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{now: cfg.Now}
}

// Normalize converts one inbound envelope into an Utterance. The second
// return is false when the event carries nothing for the turn loop: agent
// echo, empty text, or an undecodable payload.
func (r *Router) Normalize(env bridge.Envelope) (bridge.Utterance, bool) {
	if env.FromAgent() {
		return bridge.Utterance{}, false
	}

	var text string
	switch env.Kind {
	case bridge.KindTranscription:
		text = joinSegments(env.Segments)
	default:
		if !utf8.ValidString(env.Data) {
			logger.Warn("dropping inbound event with invalid utf-8 payload",
				"topic", env.Topic, "participant", env.Participant)
			return bridge.Utterance{}, false
		}
		text = env.Data
		if env.Topic == bridge.TopicTranscription {
			text = transcriptionText(env.Data)
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return bridge.Utterance{}, false
	}
	return bridge.Utterance{
		Text:          text,
		SourceTopic:   env.Topic,
		ParticipantID: env.Participant,
		Timestamp:     r.now(),
	}, true
}

// transcriptionText extracts the text field from a JSON transcription
// payload when the payload decodes as such, else returns the raw text.
func transcriptionText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		logger.Warn("transcription payload looked like json but did not decode", "error", err)
		return raw
	}
	if payload.Text == "" {
		return raw
	}
	return payload.Text
}

// joinSegments concatenates legacy transcription segments in order with
// single-space separators.
func joinSegments(segments []bridge.TranscriptSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
