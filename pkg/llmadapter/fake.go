package llmadapter

import "context"

// Fake is an in-memory Adapter for tests, the way the teacher substitutes
// in-memory collaborators rather than mocking frameworks (§9 "Global state":
// "Tests substitute in-memory implementations through the same interfaces").
type Fake struct {
	AnalyzeFunc   func(ctx context.Context, task TaskView) (AnalysisResult, error)
	DecomposeFunc func(ctx context.Context, task TaskView, dctx DecompositionContext) (DecompositionResult, error)
}

func (f *Fake) Analyze(ctx context.Context, task TaskView) (AnalysisResult, error) {
	if f.AnalyzeFunc != nil {
		return f.AnalyzeFunc(ctx, task)
	}
	return AnalysisResult{ComplexityScore: 1, NeedsDecomposition: false}, nil
}

func (f *Fake) Decompose(ctx context.Context, task TaskView, dctx DecompositionContext) (DecompositionResult, error) {
	if f.DecomposeFunc != nil {
		return f.DecomposeFunc(ctx, task, dctx)
	}
	return DecompositionResult{}, nil
}

var _ Adapter = (*Fake)(nil)
