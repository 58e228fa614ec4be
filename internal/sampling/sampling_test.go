package sampling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paged-kv/inference-core/internal/session"
)

func TestGather_FillsSentinelDefaults(t *testing.T) {
	seq := session.NewSequence("s", []int{1, 2}, session.SamplingParam{})
	out := Gather([]*session.Sequence{seq})
	require.Equal(t, 1.0, out.Temperature[0])
	require.Equal(t, 1.0, out.TopP[0])
	require.Equal(t, 1.0, out.RepetitionPenalty[0])
}

func TestGather_PreservesExplicitValues(t *testing.T) {
	sp := session.SamplingParam{Temperature: 0.7, TopK: 40, TopP: 0.9, RepetitionPenalty: 1.2, MaxNewTokens: 50, MinNewTokens: 1}
	seq := session.NewSequence("s", []int{1}, sp)
	out := Gather([]*session.Sequence{seq})
	require.Equal(t, 0.7, out.Temperature[0])
	require.Equal(t, 40, out.TopK[0])
	require.Equal(t, 0.9, out.TopP[0])
	require.Equal(t, 1.2, out.RepetitionPenalty[0])
	require.Equal(t, 50, out.MaxNewTokens[0])
}

func TestNeedsAllIDs(t *testing.T) {
	plain := session.NewSequence("s", []int{1}, session.DefaultSamplingParam())
	require.False(t, NeedsAllIDs([]*session.Sequence{plain}))

	withPenalty := session.NewSequence("s", []int{1}, session.SamplingParam{RepetitionPenalty: 1.3})
	require.True(t, NeedsAllIDs([]*session.Sequence{withPenalty}))

	withProcessor := session.NewSequence("s", []int{1}, session.SamplingParam{LogitsProcessors: []string{"custom"}})
	require.True(t, NeedsAllIDs([]*session.Sequence{withProcessor}))
}

func TestNeedsGuidedInputIDs(t *testing.T) {
	plain := session.NewSequence("s", []int{1}, session.DefaultSamplingParam())
	require.False(t, NeedsGuidedInputIDs([]*session.Sequence{plain}))

	guided := session.NewSequence("s", []int{1}, session.SamplingParam{ResponseFormat: session.ResponseFormat{Kind: "json"}})
	require.True(t, NeedsGuidedInputIDs([]*session.Sequence{guided}))
}

func TestNeedsLogits(t *testing.T) {
	seq := session.NewSequence("s", []int{1}, session.DefaultSamplingParam())
	require.False(t, NeedsLogits([]*session.Sequence{seq}, nil))
	require.True(t, NeedsLogits([]*session.Sequence{seq}, map[string]bool{seq.ID: true}))
}
