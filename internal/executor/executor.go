// Package executor defines the contract the core consumes from the
// numerical model executor (spec §1, §6) — out of scope for this module's
// implementation, but narrow enough to fake deterministically for tests.
package executor

import "context"

// ForwardInputs is the bundle InputsMaker assembles each step (spec §4.3).
type ForwardInputs struct {
	InputIDs         []int
	SeqLength        []int
	HistoryLengths   []int
	BlockOffsets     [][]int // batch x max_blocks, right-padded with BlockOffsetSentinel
	IsDecoding       bool
	SwapInMap        map[int]int
	SwapOutMap       map[int]int
	SamplingInputs   *SamplingInputs
	AllIDs           [][]int // present only if repetition-penalty/logits-processors active
	GuidedInputIDs   [][]int // present only if any sequence requests structured output
	NumAppendableIDs []int
	NumIgnoreEOS     []int
	ReturnLogits     bool
	SyncLongContext  bool
	VisionInputs     *VisionInputs
	LocalAdapterIDs  []int

	SeqIDs []string // internal: maps batch row -> sequence id, for response dispatch
}

// BlockOffsetSentinel right-pads the block_offsets ragged tensor.
const BlockOffsetSentinel = -1

// SamplingInputs is the batched sampling descriptor (spec §4.3).
type SamplingInputs struct {
	Temperature       []float64
	TopK              []int
	TopP              []float64
	RepetitionPenalty []float64
	MaxNewTokens      []int
	MinNewTokens      []int
}

// VisionInputs carries the opaque multimodal pass-through (spec §4.6).
type VisionInputs struct {
	InputEmbeddings        []any
	InputEmbeddingRanges   [][2]int // translated to intra-batch positions
	InputEmbeddingIndexing [][]bool // batch x max_q_seq_length
}

// Output is what get_output_async returns for one iteration (spec §6).
type Output struct {
	NextTokenIDs      []int64
	Logits            [][]float32 // nil unless ReturnLogits was set
	Stopped           []bool
	ModelMetas        []any
	NewTokenTimestamp float64
}

// MigrationBatch pairs remote prefill block ids with local decode block ids
// for one migrating sequence (spec §4.7).
type MigrationBatch struct {
	SeqID        string
	RemoteBlocks []int
	LocalBlocks  []int
}

// Executor is the narrow interface the core drives; consumed, never
// implemented, by the scheduling/engine packages themselves (spec §6).
type Executor interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Release(ctx context.Context) error

	// ForwardAsync is fire-and-forget submission: it returns once the batch
	// is enqueued, not once it has executed.
	ForwardAsync(ctx context.Context, in ForwardInputs) error
	// GetOutputAsync blocks for one iteration's results.
	GetOutputAsync(ctx context.Context) (Output, error)

	Migrate(ctx context.Context, batch MigrationBatch) error
}
