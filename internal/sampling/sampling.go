// Package sampling assembles per-step sampling parameters into the batched
// descriptor the executor consumes (spec §4.3).
package sampling

import (
	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/session"
)

// Gather builds a batched SamplingInputs for batch, filling sentinel
// defaults for any field a sequence leaves unset.
func Gather(batch []*session.Sequence) *executor.SamplingInputs {
	n := len(batch)
	out := &executor.SamplingInputs{
		Temperature:       make([]float64, n),
		TopK:              make([]int, n),
		TopP:              make([]float64, n),
		RepetitionPenalty: make([]float64, n),
		MaxNewTokens:      make([]int, n),
		MinNewTokens:      make([]int, n),
	}
	for i, seq := range batch {
		sp := seq.SamplingParam
		out.Temperature[i] = orDefault(sp.Temperature, 1.0)
		out.TopK[i] = sp.TopK
		out.TopP[i] = orDefault(sp.TopP, 1.0)
		out.RepetitionPenalty[i] = orDefault(sp.RepetitionPenalty, 1.0)
		out.MaxNewTokens[i] = sp.MaxNewTokens
		out.MinNewTokens[i] = sp.MinNewTokens
	}
	return out
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// NeedsAllIDs reports whether any sequence in batch requires the full
// token-history gather (repetition penalty or logits processors active) —
// skipping it otherwise is a measurable win (spec §4.3).
func NeedsAllIDs(batch []*session.Sequence) bool {
	for _, seq := range batch {
		if seq.SamplingParam.RepetitionPenalty != 0 && seq.SamplingParam.RepetitionPenalty != 1.0 {
			return true
		}
		if len(seq.SamplingParam.LogitsProcessors) > 0 {
			return true
		}
	}
	return false
}

// NeedsGuidedInputIDs reports whether any sequence requests structured
// output (regex/grammar/JSON response_format).
func NeedsGuidedInputIDs(batch []*session.Sequence) bool {
	for _, seq := range batch {
		if seq.SamplingParam.ResponseFormat.Kind != "" {
			return true
		}
	}
	return false
}

// NeedsLogits reports whether any sequence needs raw logits echoed back.
func NeedsLogits(batch []*session.Sequence, returnLogits map[string]bool) bool {
	for _, seq := range batch {
		if returnLogits[seq.ID] {
			return true
		}
	}
	return false
}
