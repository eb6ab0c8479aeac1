package conductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticSynthesizer(t *testing.T) {
	synthesizer := NewStaticSynthesizer("ui_generation", map[string]any{
		"layout": "single_column",
	})
	require.Equal(t, "ui_generation", synthesizer.Capability())

	payload, err := synthesizer.Synthesize(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	require.Equal(t, "single_column", payload["layout"])
	require.Equal(t, "ui_generation", payload["capability"])
	require.Equal(t, "local_fallback", payload["source"])
	require.Equal(t, map[string]any{"theme": "dark"}, payload["context"])
}

func TestStaticSynthesizerDoesNotShareBase(t *testing.T) {
	base := map[string]any{"layout": "grid"}
	synthesizer := NewStaticSynthesizer("ui_generation", base)

	payload, err := synthesizer.Synthesize(context.Background(), nil)
	require.NoError(t, err)
	payload["layout"] = "tampered"

	again, err := synthesizer.Synthesize(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "grid", again["layout"])
	require.Equal(t, "grid", base["layout"])
}
