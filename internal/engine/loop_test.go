package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/inputsmaker"
	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

func newTestLoop(t *testing.T, script []executor.Output) (*Loop, *session.Table, *RequestManager) {
	t.Helper()
	blocks := block.NewManager(block.Config{NumGPUBlocks: 64, BlockSizeTokens: 4})
	sched := scheduler.New(scheduler.Config{MaxBatches: 8, BlockSizeTokens: 4, MaxPrefillTokenNum: 1 << 20, Role: scheduler.Hybrid}, blocks)
	maker := inputsmaker.New(inputsmaker.Config{MaxPrefillTokenNum: 1 << 20})
	sessions := session.NewTable()
	reqMgr := NewRequestManager(16)
	exec := executor.NewFake(script)
	loop := New(Config{Prealloc: 2}, sessions, sched, blocks, maker, exec, reqMgr, nil)
	return loop, sessions, reqMgr
}

// slowFake paces GetOutputAsync so tests have a real window to act between
// decode steps, the way a real executor's forward latency would.
type slowFake struct {
	*executor.Fake
	perStep time.Duration
}

func (s *slowFake) GetOutputAsync(ctx context.Context) (executor.Output, error) {
	select {
	case <-time.After(s.perStep):
	case <-ctx.Done():
		return executor.Output{}, ctx.Err()
	}
	return s.Fake.GetOutputAsync(ctx)
}

// TestLoop_SingleTurnChat reproduces spec §8 scenario 1: a client adds a
// session, submits one prompt, and receives a streamed token followed by a
// Finish terminal response once the stop token is sampled.
func TestLoop_SingleTurnChat(t *testing.T) {
	script := []executor.Output{
		{NextTokenIDs: []int64{42}},
		{NextTokenIDs: []int64{7}}, // 7 is configured as the stop token below
	}
	loop, sessions, reqMgr := newTestLoop(t, script)
	sessions.Create("sess-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	sp := session.DefaultSamplingParam()
	sp.MaxNewTokens = 10
	sp.StopTokenIDs = map[int]struct{}{7: {}}
	reqMgr.Submit(Message{Type: AddMessage, SessionID: "sess-1", PromptTokens: []int{1, 2, 3, 4}, SamplingParam: sp})

	sess, _ := sessions.Get("sess-1")
	var seq *session.Sequence
	require.Eventually(t, func() bool {
		for _, s := range sess.Sequences {
			seq = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond, "sequence should be registered shortly after AddMessage")

	first := waitForOutput(t, seq.Resp)
	require.Equal(t, []int{42}, first.TokenIDs)
	require.Equal(t, session.Success, first.ResponseCode)

	second := waitForOutput(t, seq.Resp)
	require.Equal(t, []int{7}, second.TokenIDs)
	require.Equal(t, session.Finish, second.ResponseCode)

	cancel()
	<-errCh
}

// TestLoop_SingleTurnChat_ExactlyMaxNewTokens reproduces spec §8 scenario 1
// literally: prompt [1,2,3,4], max_new_tokens=3, no stop token configured,
// yields exactly three streamed tokens (5, 6, 7) — SUCCESS, SUCCESS, then
// FINISH on the third, never a fourth.
func TestLoop_SingleTurnChat_ExactlyMaxNewTokens(t *testing.T) {
	script := []executor.Output{
		{NextTokenIDs: []int64{5}},
		{NextTokenIDs: []int64{6}},
		{NextTokenIDs: []int64{7}},
	}
	loop, sessions, reqMgr := newTestLoop(t, script)
	sessions.Create("sess-3")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	sp := session.DefaultSamplingParam()
	sp.MaxNewTokens = 3
	reqMgr.Submit(Message{Type: AddMessage, SessionID: "sess-3", PromptTokens: []int{1, 2, 3, 4}, SamplingParam: sp})

	sess, _ := sessions.Get("sess-3")
	var seq *session.Sequence
	require.Eventually(t, func() bool {
		for _, s := range sess.Sequences {
			seq = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, want := range []int{5, 6} {
		out := waitForOutput(t, seq.Resp)
		require.Equal(t, []int{want}, out.TokenIDs)
		require.Equal(t, session.Success, out.ResponseCode)
	}

	last := waitForOutput(t, seq.Resp)
	require.Equal(t, []int{7}, last.TokenIDs)
	require.Equal(t, session.Finish, last.ResponseCode)

	cancel()
	<-errCh
}

// TestLoop_StopSessionCancelsAnInFlightSequence reproduces spec §8 scenario
// 6: a client-initiated StopSession request terminates a running sequence
// even though no stop token is ever sampled.
func TestLoop_StopSessionCancelsAnInFlightSequence(t *testing.T) {
	script := make([]executor.Output, 1000)
	for i := range script {
		script[i] = executor.Output{NextTokenIDs: []int64{int64(100 + i)}}
	}
	loop, sessions, reqMgr := newTestLoop(t, script)
	loop.exec = &slowFake{Fake: loop.exec.(*executor.Fake), perStep: 20 * time.Millisecond}
	sessions.Create("sess-2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	sp := session.DefaultSamplingParam()
	sp.MaxNewTokens = 1000
	reqMgr.Submit(Message{Type: AddMessage, SessionID: "sess-2", PromptTokens: []int{1, 2, 3, 4}, SamplingParam: sp})

	sess, _ := sessions.Get("sess-2")
	var seq *session.Sequence
	require.Eventually(t, func() bool {
		for _, s := range sess.Sequences {
			seq = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	waitForOutput(t, seq.Resp) // at least one token streamed before cancellation

	resp := make(chan session.ResponseCode, 1)
	reqMgr.Submit(Message{Type: StopSession, SessionID: "sess-2", Resp: resp})

	select {
	case code := <-resp:
		require.Equal(t, session.Success, code)
	case <-time.After(time.Second):
		t.Fatal("StopSession was never acknowledged")
	}

	require.Eventually(t, func() bool {
		return seq.Status == session.Stopped
	}, time.Second, 5*time.Millisecond, "sequence should terminate shortly after StopSession")

	cancel()
	<-errCh
}

func waitForOutput(t *testing.T, resp session.RespHandle) session.InferOutput {
	t.Helper()
	select {
	case out := <-resp:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for InferOutput")
		return session.InferOutput{}
	}
}
