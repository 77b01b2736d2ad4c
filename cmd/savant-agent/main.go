// Command savant-agent runs the emergency-response voice agent: it joins
// the realtime session, listens for transcribed speech, walks the loaded
// response protocols, and speaks instructions back into the room.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/savantlabs/savant/internal/bridge"
	"github.com/savantlabs/savant/internal/bridge/token"
	"github.com/savantlabs/savant/internal/conversation"
	"github.com/savantlabs/savant/internal/incidentlog"
	"github.com/savantlabs/savant/internal/protocol"
	ttspolly "github.com/savantlabs/savant/providers/tts/polly"
	"github.com/savantlabs/savant/providers/vision/nim"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "savant-agent: %v\n", err)
		os.Exit(1)
	}
}

// Config is the agent's env-driven configuration.
type Config struct {
	TokenBaseURL    string
	TokenAPIKey     string
	ParticipantName string
	ProtocolPath    string
	IncidentDBPath  string
	SynthEnabled    bool
	VisionEnabled   bool
}

// ConfigFromEnv reads SAVANT_* variables.
func ConfigFromEnv() Config {
	apiKey := strings.TrimSpace(os.Getenv("SAVANT_TOKEN_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("SAVANT_API_KEY"))
	}
	return Config{
		TokenBaseURL:    strings.TrimSpace(os.Getenv("SAVANT_TOKEN_BASE_URL")),
		TokenAPIKey:     apiKey,
		ParticipantName: defaultString(os.Getenv("SAVANT_PARTICIPANT_NAME"), "TheSavant"),
		ProtocolPath:    defaultString(os.Getenv("SAVANT_PROTOCOLS"), "protocols.json"),
		IncidentDBPath:  defaultString(os.Getenv("SAVANT_INCIDENT_DB"), "data/incident_log.db"),
		SynthEnabled:    os.Getenv("SAVANT_TTS_DISABLED") == "",
		VisionEnabled:   nim.ConfigFromEnv().APIKey != "",
	}
}

// Validate enforces startup invariants.
func (c Config) Validate() error {
	if c.TokenBaseURL == "" {
		return fmt.Errorf("SAVANT_TOKEN_BASE_URL is required")
	}
	if c.TokenAPIKey == "" {
		return token.ErrMissingAPIKey
	}
	if c.ProtocolPath == "" {
		return fmt.Errorf("SAVANT_PROTOCOLS is required")
	}
	return nil
}

func run(args []string, stdout io.Writer, now func() time.Time) error {
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(stdout)
			return nil
		case "logs":
			return printRecentLogs(stdout, args[1:])
		}
	}

	cfg := ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	loaded, err := protocol.LoadFile(cfg.ProtocolPath)
	if err != nil {
		return fmt.Errorf("load protocols: %w", err)
	}
	for _, rejected := range loaded.Rejected {
		fmt.Fprintf(stdout, "savant-agent: %v\n", rejected)
	}
	engine := protocol.NewEngine(loaded.Protocols, nil, protocol.Config{})
	fmt.Fprintf(stdout, "savant-agent: loaded %d protocols from %s\n", engine.ProtocolCount(), cfg.ProtocolPath)

	incidents, err := incidentlog.Open(cfg.IncidentDBPath)
	if err != nil {
		return fmt.Errorf("open incident log: %w", err)
	}
	defer incidents.Close()

	tokens, err := token.New(token.Config{
		BaseURL:         cfg.TokenBaseURL,
		APIKey:          cfg.TokenAPIKey,
		ParticipantName: cfg.ParticipantName,
	})
	if err != nil {
		return err
	}

	sessionBridge, err := bridge.New(
		bridge.Config{ParticipantName: cfg.ParticipantName, Now: now},
		bridge.Dependencies{Tokens: tokens},
	)
	if err != nil {
		return fmt.Errorf("build session bridge: %w", err)
	}

	deps := conversation.Dependencies{
		Publisher: sessionBridge,
		Engine:    engine,
		Incidents: incidents,
	}
	if cfg.SynthEnabled {
		deps.Synth = ttspolly.NewAdapterFromEnv()
	}
	if cfg.VisionEnabled {
		deps.Vision = nim.NewAdapter(nim.ConfigFromEnv())
	}
	orchestrator, err := conversation.New(conversation.Config{Now: now}, deps)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	sessionBridge.OnUtterance(orchestrator.HandleUtterance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sessionBridge.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	orchestrator.Start(ctx)
	fmt.Fprintf(stdout, "savant-agent: session %s up, room %q\n", sessionBridge.SessionID(), sessionBridge.RoomName())

	<-ctx.Done()
	fmt.Fprintln(stdout, "savant-agent: shutting down")
	orchestrator.Stop()
	sessionBridge.Stop()
	return nil
}

// printRecentLogs reads back the newest incident records for the operator.
func printRecentLogs(stdout io.Writer, args []string) error {
	limit := 20
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			return fmt.Errorf("invalid log limit %q", args[0])
		}
		limit = parsed
	}

	cfg := ConfigFromEnv()
	store, err := incidentlog.Open(cfg.IncidentDBPath)
	if err != nil {
		return fmt.Errorf("open incident log: %w", err)
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, record := range records {
		fmt.Fprintf(stdout, "%s  hr=%s  injury=%s  actions=%s\n",
			record.Timestamp.Format(time.RFC3339), record.HeartRate,
			record.InjuryDetected, record.ActionsTaken)
	}
	fmt.Fprintf(stdout, "%d record(s)\n", len(records))
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "savant-agent usage:")
	fmt.Fprintln(w, "  savant-agent")
	fmt.Fprintln(w, "  savant-agent logs [n]")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  SAVANT_TOKEN_BASE_URL   token service base URL (required)")
	fmt.Fprintln(w, "  SAVANT_TOKEN_API_KEY    token service credential (required)")
	fmt.Fprintln(w, "  SAVANT_PARTICIPANT_NAME session participant name")
	fmt.Fprintln(w, "  SAVANT_PROTOCOLS        protocol document path")
	fmt.Fprintln(w, "  SAVANT_INCIDENT_DB      incident log sqlite path")
	fmt.Fprintln(w, "  SAVANT_TTS_DISABLED     set to any value to skip speech synthesis")
	fmt.Fprintln(w, "  SAVANT_VISION_API_KEY   enables the vision collaborator")
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
