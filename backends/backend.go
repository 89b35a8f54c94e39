// Package backends defines the Backend interface implemented by every image
// analysis service, the normalised Result union they return, and the error
// taxonomy the orchestrator reports to callers.
package backends

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects which kind of analysis is requested for an image.
type Mode string

const (
	// ModeVision produces ranked labels and web entities.
	ModeVision Mode = "vision"
	// ModeGenerative produces a free-text description.
	ModeGenerative Mode = "generative"
)

// AllModes lists every supported mode in a stable order.
func AllModes() []Mode {
	return []Mode{ModeVision, ModeGenerative}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeVision || m == ModeGenerative
}

// String implements fmt.Stringer.
func (m Mode) String() string { return string(m) }

// ParseMode converts a user supplied mode name into a Mode. The legacy name
// "gemini" is accepted as an alias for the generative mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vision", "labels":
		return ModeVision, nil
	case "generative", "gemini", "description":
		return ModeGenerative, nil
	default:
		return "", fmt.Errorf("unknown analysis mode %q", s)
	}
}

// Backend is an external service that turns image bytes into a Result.
//
// Implementations must honour ctx cancellation and must not retain image
// after Analyze returns. Errors may be plain errors; Invoke classifies them
// into the taxonomy.
type Backend interface {
	// Name returns the configured backend identifier, e.g. "google-vision".
	Name() string
	// Mode returns the analysis mode this backend serves.
	Mode() Mode
	// Analyze sends image to the service and normalises its answer.
	Analyze(ctx context.Context, image []byte) (*Result, error)
}
