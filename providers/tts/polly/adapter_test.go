package polly

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

type fakePollyClient struct {
	input *pollysdk.SynthesizeSpeechInput
	out   *pollysdk.SynthesizeSpeechOutput
	err   error
}

func (f *fakePollyClient) SynthesizeSpeech(_ context.Context, params *pollysdk.SynthesizeSpeechInput, _ ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.input = params
	return f.out, f.err
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.msg }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

var _ smithy.APIError = fakeAPIError{}

func TestSynthesizeReturnsPCM(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	client := &fakePollyClient{
		out: &pollysdk.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(pcm))},
	}
	adapter := NewAdapterWithClient(Config{}, client)

	synthesis, err := adapter.Synthesize(context.Background(), "Apply pressure to the wound.")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(synthesis.PCM, pcm) {
		t.Fatalf("unexpected pcm %v", synthesis.PCM)
	}
	if synthesis.SampleRate != 16000 || synthesis.Channels != 1 || synthesis.BitWidth != 2 {
		t.Fatalf("unexpected format: %+v", synthesis)
	}

	if client.input.OutputFormat != pollytypes.OutputFormatPcm {
		t.Fatalf("expected pcm output format, got %s", client.input.OutputFormat)
	}
	if got := *client.input.SampleRate; got != "16000" {
		t.Fatalf("unexpected sample rate %s", got)
	}
	if got := *client.input.Text; got != "Apply pressure to the wound." {
		t.Fatalf("unexpected request text %q", got)
	}
	if client.input.Engine != pollytypes.EngineNeural {
		t.Fatalf("expected neural engine default, got %s", client.input.Engine)
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	t.Parallel()

	adapter := NewAdapterWithClient(Config{}, &fakePollyClient{})
	if _, err := adapter.Synthesize(context.Background(), "   "); err == nil {
		t.Fatalf("expected empty text to fail")
	}
}

func TestSynthesizeClassifiesServiceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{name: "overload", err: fakeAPIError{code: "TooManyRequestsException", msg: "rate"}, contains: "overloaded"},
		{name: "client error", err: fakeAPIError{code: "TextLengthExceededException", msg: "too long"}, contains: "rejected"},
		{name: "server error", err: fakeAPIError{code: "ServiceFailureException", msg: "down"}, contains: "service error"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			adapter := NewAdapterWithClient(Config{}, &fakePollyClient{err: tc.err})
			_, err := adapter.Synthesize(context.Background(), "speak")
			if err == nil || !strings.Contains(err.Error(), tc.contains) {
				t.Fatalf("expected %q in error, got %v", tc.contains, err)
			}
		})
	}
}

func TestSynthesizeFailsOnEmptyStream(t *testing.T) {
	t.Parallel()

	adapter := NewAdapterWithClient(Config{}, &fakePollyClient{out: &pollysdk.SynthesizeSpeechOutput{}})
	if _, err := adapter.Synthesize(context.Background(), "speak"); err == nil {
		t.Fatalf("expected missing audio stream to fail")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	adapter := NewAdapterWithClient(Config{}, &fakePollyClient{})
	if adapter.cfg.VoiceID != "Matthew" || adapter.cfg.SampleRate != 16000 {
		t.Fatalf("unexpected defaults: %+v", adapter.cfg)
	}
}
