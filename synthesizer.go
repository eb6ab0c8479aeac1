package conductor

import (
	"context"
)

// DegradedConfidence is the fixed confidence assigned to locally synthesized
// results. The exact value is a placeholder, not a contract.
const DegradedConfidence = 0.3

// Synthesizer produces a best-effort local result for one capability when
// every backend candidate has failed. Synthesis must derive its payload only
// from the request payload: it never blocks and never calls a network
// service.
type Synthesizer interface {

	// Capability returns the capability this synthesizer covers
	Capability() string

	// Synthesize builds a degraded payload from the request payload.
	Synthesize(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// SynthesizerFunc wraps a function for use as a Synthesizer.
type SynthesizerFunc struct {
	capability string
	fn         func(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// NewSynthesizerFunc returns a Synthesizer for the given function.
func NewSynthesizerFunc(capability string, fn func(ctx context.Context, payload map[string]any) (map[string]any, error)) *SynthesizerFunc {
	return &SynthesizerFunc{capability: capability, fn: fn}
}

// Capability this synthesizer covers.
func (s *SynthesizerFunc) Capability() string {
	return s.capability
}

// Synthesize the degraded payload.
func (s *SynthesizerFunc) Synthesize(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return s.fn(ctx, payload)
}

// NewStaticSynthesizer returns a Synthesizer that echoes the request payload
// alongside a fixed base payload. It is the minimal useful fallback for a
// capability with no better local heuristic.
func NewStaticSynthesizer(capability string, base map[string]any) *SynthesizerFunc {
	return NewSynthesizerFunc(capability, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		result := copyMap(base)
		result["capability"] = capability
		result["source"] = "local_fallback"
		result["context"] = copyMap(payload)
		return result, nil
	})
}
