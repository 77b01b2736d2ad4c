// Package tts defines the text-to-speech collaborator contract. Audio is a
// best-effort enhancement: a failed synthesis never fails a turn.
package tts

import "context"

// Synthesis is one synthesized utterance as raw PCM.
type Synthesis struct {
	PCM        []byte
	SampleRate int
	Channels   int
	BitWidth   int
}

// Empty reports whether the synthesis carries no audio.
func (s Synthesis) Empty() bool {
	return len(s.PCM) == 0
}

// Synthesizer turns response text into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Synthesis, error)
}
