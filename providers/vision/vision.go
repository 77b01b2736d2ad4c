// Package vision defines the image-analysis collaborator contract. A visual
// analysis that fails must never fail the turn that requested it, so
// adapters return a degraded fallback instead of propagating errors.
package vision

import "context"

// Analysis is the structured result of analyzing one image.
type Analysis struct {
	Injury        string `json:"injury"`
	Severity      string `json:"severity"`
	VisualOverlay string `json:"visual_overlay"`
}

// Fallback is the degraded analysis returned when the backend is
// unreachable or returns an unusable response.
func Fallback() Analysis {
	return Analysis{
		Injury:        "Unknown",
		Severity:      "Unknown",
		VisualOverlay: "Analysis Failed",
	}
}

// Analyzer produces a structured finding from raw image bytes.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) Analysis
}
