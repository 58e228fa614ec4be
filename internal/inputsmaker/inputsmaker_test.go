package inputsmaker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

func admittedSeq(t *testing.T, sched *scheduler.Scheduler, tokens []int) *session.Sequence {
	t.Helper()
	sp := session.DefaultSamplingParam()
	sp.MaxNewTokens = 10
	seq := session.NewSequence("sess", tokens, sp)
	require.NoError(t, sched.Enqueue(seq))
	return seq
}

func TestBuild_PrefillAssemblesFlatBatch(t *testing.T) {
	blocks := block.NewManager(block.Config{NumGPUBlocks: 8, BlockSizeTokens: 2})
	sched := scheduler.New(scheduler.Config{MaxBatches: 4, BlockSizeTokens: 2, MaxPrefillTokenNum: 1 << 20}, blocks)
	seq := admittedSeq(t, sched, []int{1, 2, 3, 4})
	out := sched.SchedulePrefill()
	require.Len(t, out.Running, 1)

	maker := New(Config{})
	in := maker.Build(out, false)
	require.Equal(t, []int{1, 2, 3, 4}, in.InputIDs)
	require.Equal(t, []int{4}, in.SeqLength)
	require.Equal(t, []int{0}, in.HistoryLengths)
	require.Equal(t, []string{seq.ID}, in.SeqIDs)
	require.Len(t, in.BlockOffsets, 1)
	require.Len(t, in.BlockOffsets[0], len(seq.BlockTable))
}

func TestBuild_DecodeSendsOnlyLastToken(t *testing.T) {
	blocks := block.NewManager(block.Config{NumGPUBlocks: 8, BlockSizeTokens: 2})
	sched := scheduler.New(scheduler.Config{MaxBatches: 4, BlockSizeTokens: 2, MaxPrefillTokenNum: 1 << 20}, blocks)
	admittedSeq(t, sched, []int{1, 2, 3, 4})
	prefillOut := sched.SchedulePrefill()
	seq := prefillOut.Running[0]
	sched.CheckStop(seq, 99) // appends a generated token without stopping

	decodeOut := sched.ScheduleDecode(2)
	require.Len(t, decodeOut.Running, 1)

	maker := New(Config{})
	in := maker.Build(decodeOut, true)
	require.Equal(t, []int{99}, in.InputIDs)
	require.Equal(t, []int{4}, in.HistoryLengths)
}

func TestLoopCount(t *testing.T) {
	maker := New(Config{PrefillInterval: 8})
	require.Equal(t, 1, maker.LoopCount(true))
	require.Equal(t, 8, maker.LoopCount(false))

	noInterval := New(Config{})
	require.Equal(t, 1, noInterval.LoopCount(false))
}
