// Package polly synthesizes response speech through Amazon Polly, returning
// raw signed 16-bit PCM that the session bridge can publish directly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/savantlabs/savant/providers/tts"
)

const (
	// pcmBitWidth and pcmChannels are fixed by Polly's pcm output format
	// (signed 16-bit little-endian, mono).
	pcmBitWidth = 2
	pcmChannels = 1

	defaultSampleRate = 16000
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config configures the Polly synthesizer.
type Config struct {
	Region     string
	VoiceID    string
	Engine     string
	SampleRate int
	Timeout    time.Duration
}

// ConfigFromEnv loads Polly settings from SAVANT_TTS_POLLY_* variables,
// falling back to AWS_REGION and built-in defaults.
func ConfigFromEnv() Config {
	sampleRate := defaultSampleRate
	if raw := strings.TrimSpace(os.Getenv("SAVANT_TTS_POLLY_SAMPLE_RATE")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			sampleRate = v
		}
	}
	return Config{
		Region:     defaultString(os.Getenv("SAVANT_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID:    defaultString(os.Getenv("SAVANT_TTS_POLLY_VOICE"), "Matthew"),
		Engine:     defaultString(os.Getenv("SAVANT_TTS_POLLY_ENGINE"), "neural"),
		SampleRate: sampleRate,
		Timeout:    15 * time.Second,
	}
}

// Adapter implements tts.Synthesizer against Amazon Polly. The AWS client
// is built lazily on first use so construction never needs credentials.
type Adapter struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func NewAdapter(cfg Config) *Adapter {
	return NewAdapterWithClient(cfg, nil)
}

// NewAdapterWithClient injects a synthesis client; tests supply a fake.
func NewAdapterWithClient(cfg Config, client synthClient) *Adapter {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Matthew"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}
}

func NewAdapterFromEnv() *Adapter {
	return NewAdapter(ConfigFromEnv())
}

// Synthesize renders text to PCM at the configured sample rate.
func (a *Adapter) Synthesize(ctx context.Context, text string) (tts.Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Synthesis{}, fmt.Errorf("synthesize: empty text")
	}
	client, err := a.resolveClient(ctx)
	if err != nil {
		return tts.Synthesis{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(a.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	sampleRate := strconv.Itoa(a.cfg.SampleRate)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(a.cfg.VoiceID),
	})
	if err != nil {
		return tts.Synthesis{}, normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return tts.Synthesis{}, fmt.Errorf("polly returned empty audio stream")
	}
	defer output.AudioStream.Close()

	pcm, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return tts.Synthesis{}, fmt.Errorf("read polly audio stream: %w", err)
	}
	return tts.Synthesis{
		PCM:        pcm,
		SampleRate: a.cfg.SampleRate,
		Channels:   pcmChannels,
		BitWidth:   pcmBitWidth,
	}, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("polly synthesis cancelled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly synthesis timed out: %w", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("polly overloaded: %w", err)
		case "InvalidSsmlException", "TextLengthExceededException", "InvalidSampleRateException", "LexiconNotFoundException":
			return fmt.Errorf("polly rejected request: %w", err)
		default:
			return fmt.Errorf("polly service error %s: %w", apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("polly transport error: %w", err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (a *Adapter) resolveClient(ctx context.Context) (synthClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = polly.NewFromConfig(awsCfg)
	return a.client, nil
}
