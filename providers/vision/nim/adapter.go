// Package nim analyzes injury images through an NVIDIA NIM vision model
// exposed over an OpenAI-compatible chat completions endpoint.
package nim

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/savantlabs/savant/providers/vision"
)

const (
	defaultBaseURL = "https://integrate.api.nvidia.com/v1"
	defaultModel   = "meta/llama-3.2-90b-vision-instruct"

	analysisPrompt = "You are an AI Savant. Analyze this emergency image. " +
		"Output strictly JSON: {\"injury\": \"...\", \"severity\": \"CRITICAL\", " +
		"\"visual_overlay\": \"Arterial Bleed - Apply Tourniquet\"}."
)

// Config configures the NIM vision adapter.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ConfigFromEnv loads NIM settings from SAVANT_VISION_* variables, with
// NIM_API_KEY as the key fallback.
func ConfigFromEnv() Config {
	apiKey := strings.TrimSpace(os.Getenv("SAVANT_VISION_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("NIM_API_KEY"))
	}
	return Config{
		BaseURL: defaultString(os.Getenv("SAVANT_VISION_BASE_URL"), defaultBaseURL),
		APIKey:  apiKey,
		Model:   defaultString(os.Getenv("SAVANT_VISION_MODEL"), defaultModel),
		Timeout: 30 * time.Second,
	}
}

// Adapter implements vision.Analyzer against a NIM chat completions API.
// Any failure degrades to vision.Fallback rather than an error: visual
// analysis is an enhancement, never a turn blocker.
type Adapter struct {
	cfg    Config
	client *http.Client
}

func NewAdapter(cfg Config) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{cfg: cfg, client: &http.Client{}}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends the image for structured injury analysis. The returned
// Analysis is the fallback value on any transport, status, or parse failure.
func (a *Adapter) Analyze(ctx context.Context, image []byte) vision.Analysis {
	analysis, err := a.analyze(ctx, image)
	if err != nil {
		logger.Warn("vision analysis failed, using fallback", "error", err)
		return vision.Fallback()
	}
	return analysis
}

func (a *Adapter) analyze(ctx context.Context, image []byte) (vision.Analysis, error) {
	if len(image) == 0 {
		return vision.Analysis{}, fmt.Errorf("empty image payload")
	}

	encoded := base64.StdEncoding.EncodeToString(image)
	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: analysisPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + encoded}},
			},
		}},
		Temperature: 0.2,
		TopP:        0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return vision.Analysis{}, fmt.Errorf("encode vision request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return vision.Analysis{}, fmt.Errorf("build vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return vision.Analysis{}, fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return vision.Analysis{}, fmt.Errorf("vision backend returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return vision.Analysis{}, fmt.Errorf("read vision response: %w", err)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return vision.Analysis{}, fmt.Errorf("decode vision response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return vision.Analysis{}, fmt.Errorf("vision response had no choices")
	}

	content := stripCodeFences(decoded.Choices[0].Message.Content)
	var analysis vision.Analysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return vision.Analysis{}, fmt.Errorf("parse vision analysis: %w", err)
	}
	if strings.TrimSpace(analysis.Injury) == "" {
		return vision.Analysis{}, fmt.Errorf("vision analysis missing injury field")
	}
	return analysis, nil
}

// stripCodeFences removes markdown ```json fences some models wrap around
// their structured output.
func stripCodeFences(content string) string {
	content = strings.ReplaceAll(content, "```json", "")
	content = strings.ReplaceAll(content, "```", "")
	return strings.TrimSpace(content)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
