package llmadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAnalysisResult(t *testing.T) {
	raw := map[string]any{
		"complexity_score":    7.5,
		"needs_decomposition": true,
		"rationale":           "multi-step task",
		"provider_latency_ms": 412,
	}
	result, err := DecodeAnalysisResult(raw)
	require.NoError(t, err)
	assert.Equal(t, 7.5, result.ComplexityScore)
	assert.True(t, result.NeedsDecomposition)
	assert.Equal(t, "multi-step task", result.Rationale)
	assert.Equal(t, 412, result.Extra["provider_latency_ms"])
}

func TestDecodeDecompositionResult(t *testing.T) {
	raw := map[string]any{
		"subtasks": []any{
			map[string]any{
				"id":                    "A",
				"title":                 "analyze",
				"required_capabilities": []any{"analyze"},
			},
		},
		"model_version": "v3",
	}
	result, err := DecodeDecompositionResult(raw)
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "A", result.Subtasks[0].ID)
	assert.Equal(t, []string{"analyze"}, result.Subtasks[0].RequiredCapabilities)
	assert.Equal(t, "v3", result.Extra["model_version"])
}

func TestDecodeAnalysisResultMalformed(t *testing.T) {
	_, err := DecodeAnalysisResult(map[string]any{"complexity_score": "not-a-number"})
	require.Error(t, err)
	var adapterErr *Error
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, FailureMalformed, adapterErr.Kind)
}
