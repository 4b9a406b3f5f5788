package llmadapter

import (
	"github.com/mitchellh/mapstructure"
)

// DecodeAnalysisResult decodes a raw provider response (as a real HTTP-backed
// Adapter would receive after JSON-unmarshaling into map[string]any) into
// AnalysisResult, capturing any field the minimal §6 contract doesn't name
// into Extra rather than rejecting it (SPEC_FULL §D.2, Design Note "Opaque
// payloads"). Grounded on the teacher's pkg/config/loader.go decodeConfig,
// which uses the same mapstructure.Decode-plus-remainder shape for a
// provider-shaped map it doesn't fully control.
func DecodeAnalysisResult(raw map[string]any) (AnalysisResult, error) {
	var result AnalysisResult
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:   &result,
		TagName:  "json",
		Metadata: &mapstructure.Metadata{},
	})
	if err != nil {
		return AnalysisResult{}, &Error{Kind: FailureMalformed, Message: err.Error()}
	}
	if err := decoder.Decode(raw); err != nil {
		return AnalysisResult{}, &Error{Kind: FailureMalformed, Message: err.Error()}
	}
	result.Extra = unknownFields(raw, "complexity_score", "needs_decomposition", "rationale")
	return result, nil
}

// DecodeDecompositionResult is DecodeAnalysisResult's counterpart for
// Decompose's response shape.
func DecodeDecompositionResult(raw map[string]any) (DecompositionResult, error) {
	var result DecompositionResult
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &result,
		TagName: "json",
	})
	if err != nil {
		return DecompositionResult{}, &Error{Kind: FailureMalformed, Message: err.Error()}
	}
	if err := decoder.Decode(raw); err != nil {
		return DecompositionResult{}, &Error{Kind: FailureMalformed, Message: err.Error()}
	}
	result.Extra = unknownFields(raw, "subtasks")
	return result, nil
}

// unknownFields returns every key in raw not named in known, for the Extra
// bucket that preserves provider-specific fields the engine never inspects.
func unknownFields(raw map[string]any, known ...string) map[string]any {
	skip := make(map[string]struct{}, len(known))
	for _, k := range known {
		skip[k] = struct{}{}
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if _, ok := skip[k]; ok {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
