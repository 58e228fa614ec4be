// Package inputsmaker composes the per-step ForwardInputs bundle the
// executor consumes (spec §4.3).
package inputsmaker

import (
	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/sampling"
	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

// Config groups the InputsMaker's static parameters.
type Config struct {
	MaxPrefillTokenNum int
	PrefillInterval    int // decode iterations between scheduler calls
}

// Maker assembles ForwardInputs for a scheduled batch.
type Maker struct {
	cfg            Config
	returnLogits   map[string]bool // opt-in set of sequence ids requesting raw logits
	adapterIDs     map[string]int  // resolved numeric adapter ids, keyed by adapter name
}

// New constructs a Maker.
func New(cfg Config) *Maker {
	return &Maker{cfg: cfg, returnLogits: make(map[string]bool), adapterIDs: make(map[string]int)}
}

// SetAdapterIDs installs the AdapterManager's name->id resolution table.
func (m *Maker) SetAdapterIDs(ids map[string]int) { m.adapterIDs = ids }

// RequestLogits flags seqID as wanting raw logits echoed back.
func (m *Maker) RequestLogits(seqID string) { m.returnLogits[seqID] = true }

// LoopCount returns 1 for prefill, PrefillInterval for decode (spec §4.3):
// the executor autoregressively emits PrefillInterval tokens between
// scheduler interventions, amortising orchestration cost.
func (m *Maker) LoopCount(isPrefill bool) int {
	if isPrefill {
		return 1
	}
	if m.cfg.PrefillInterval <= 0 {
		return 1
	}
	return m.cfg.PrefillInterval
}

// Build composes a ForwardInputs for out (a scheduler.Output), resolving
// per-sequence history lengths, block offsets, and pass-through vision and
// adapter attachments.
func (m *Maker) Build(out scheduler.Output, isDecoding bool) executor.ForwardInputs {
	batch := out.Running
	in := executor.ForwardInputs{
		IsDecoding: isDecoding,
		SwapInMap:  out.SwapInMap,
		SwapOutMap: out.SwapOutMap,
	}
	maxBlocks := 0
	for _, seq := range batch {
		if len(seq.BlockTable) > maxBlocks {
			maxBlocks = len(seq.BlockTable)
		}
	}

	needAllIDs := sampling.NeedsAllIDs(batch)
	needGuided := sampling.NeedsGuidedInputIDs(batch)

	totalTokens := 0
	stepLens := make([]int, 0, len(batch))
	for _, seq := range batch {
		history := seq.NumHistoryIDs
		var newTokens []int
		if isDecoding {
			newTokens = seq.AllIDs[len(seq.AllIDs)-1:]
			history = len(seq.AllIDs) - 1
		} else {
			// Prefill forwards the whole not-yet-processed span in one shot
			// (no chunked prefill in this core); NumNewTokens is the
			// generated-token counter, not the prompt length, so it plays no
			// part in sizing this slice.
			newTokens = seq.AllIDs[history:]
		}
		stepLens = append(stepLens, len(newTokens))
		in.InputIDs = append(in.InputIDs, newTokens...)
		in.SeqLength = append(in.SeqLength, len(newTokens))
		in.HistoryLengths = append(in.HistoryLengths, history)
		in.SeqIDs = append(in.SeqIDs, seq.ID)
		totalTokens += len(newTokens)

		row := make([]int, maxBlocks)
		for i := range row {
			row[i] = executor.BlockOffsetSentinel
		}
		copy(row, seq.BlockTable)
		in.BlockOffsets = append(in.BlockOffsets, row)

		if needAllIDs {
			in.AllIDs = append(in.AllIDs, append([]int{}, seq.AllIDs...))
		}
		if needGuided {
			in.GuidedInputIDs = append(in.GuidedInputIDs, append([]int{}, seq.AllIDs...))
		}

		appendable := seq.SamplingParam.MaxNewTokens - seq.NumNewTokens
		in.NumAppendableIDs = append(in.NumAppendableIDs, appendable)
		ignoreEOS := 0
		if seq.NumNewTokens < seq.SamplingParam.MinNewTokens {
			ignoreEOS = 1
		}
		in.NumIgnoreEOS = append(in.NumIgnoreEOS, ignoreEOS)

		if seq.AdapterName != "" {
			in.LocalAdapterIDs = append(in.LocalAdapterIDs, m.adapterIDs[seq.AdapterName])
		} else {
			in.LocalAdapterIDs = append(in.LocalAdapterIDs, -1)
		}

		if m.returnLogits[seq.ID] {
			in.ReturnLogits = true
		}
	}

	in.SamplingInputs = sampling.Gather(batch)
	in.SyncLongContext = m.cfg.MaxPrefillTokenNum > 0 && totalTokens > m.cfg.MaxPrefillTokenNum
	in.VisionInputs = m.buildVisionInputs(batch, stepLens)
	return in
}

// buildVisionInputs translates each sequence's multimodal ranges from
// absolute token positions to intra-batch positions by subtracting
// history_len (spec §4.6), and returns nil if no sequence carries any.
// stepLens is this step's per-sequence query length (the same span Build
// just fed into InputIDs), not NumNewTokens, which counts generated tokens
// across the sequence's whole lifetime rather than this step's span.
func (m *Maker) buildVisionInputs(batch []*session.Sequence, stepLens []int) *executor.VisionInputs {
	any := false
	for _, seq := range batch {
		if len(seq.InputEmbeddings) > 0 {
			any = true
			break
		}
	}
	if !any {
		return nil
	}
	vi := &executor.VisionInputs{}
	maxQSeqLen := 0
	for _, n := range stepLens {
		if n > maxQSeqLen {
			maxQSeqLen = n
		}
	}
	for _, seq := range batch {
		history := seq.NumHistoryIDs
		mask := make([]bool, maxQSeqLen)
		for _, r := range seq.InputEmbeddings {
			vi.InputEmbeddings = append(vi.InputEmbeddings, r.Embedding)
			start, end := r.Start-history, r.End-history
			vi.InputEmbeddingRanges = append(vi.InputEmbeddingRanges, [2]int{start, end})
			for pos := start; pos < end && pos >= 0 && pos < maxQSeqLen; pos++ {
				mask[pos] = true
			}
		}
		vi.InputEmbeddingIndexing = append(vi.InputEmbeddingIndexing, mask)
	}
	return vi
}
