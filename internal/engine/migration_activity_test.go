package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/migration"
	"github.com/paged-kv/inference-core/internal/session"
)

type noopTransporter struct{}

func (noopTransporter) Initialize(ctx context.Context, req migration.InitRequest) (migration.Handshake, error) {
	return migration.Handshake{Accepted: true}, nil
}
func (noopTransporter) Connect(ctx context.Context, req migration.ConnRequest) error { return nil }
func (noopTransporter) Drop(ctx context.Context, req migration.DropRequest) error    { return nil }

type noopSideChannel struct{ notified bool }

func (s *noopSideChannel) Send(ctx context.Context, remoteEngineID, remoteSessionID string) error {
	s.notified = true
	return nil
}

// TestMigrationActivity_RejoinsDecodePool reproduces spec §8 scenario 5: a
// sequence admitted via AddMessage with MigrationRemoteBlocks set resumes
// decode after the migration activity allocates local blocks and bootstraps
// one token.
func TestMigrationActivity_RejoinsDecodePool(t *testing.T) {
	side := &noopSideChannel{}
	migCtrl := migration.New(noopTransporter{}, side, executor.NewFake(nil))

	loop, sessions, reqMgr := newTestLoop(t, nil)
	loop.migCtrl = migCtrl
	sessions.Create("sess-mig")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	sp := session.DefaultSamplingParam()
	sp.MaxNewTokens = 10
	reqMgr.Submit(Message{
		Type:                  AddMessage,
		SessionID:             "sess-mig",
		PromptTokens:          []int{1, 2, 3, 4, 5, 6, 7, 8},
		SamplingParam:         sp,
		MigrationRemoteBlocks: []int{1000, 1001},
		MigrationRemoteEngine: "remote-1",
		MigrationRemoteSessID: "remote-sess-1",
	})

	sess, _ := sessions.Get("sess-mig")
	var seq *session.Sequence
	require.Eventually(t, func() bool {
		for _, s := range sess.Sequences {
			seq = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	out := waitForOutput(t, seq.Resp)
	require.Equal(t, session.Success, out.ResponseCode)
	require.Len(t, out.CacheBlockIDs, 2)
	require.True(t, side.notified)

	require.Eventually(t, func() bool {
		return seq.Status == session.Running || seq.Status == session.Locked
	}, time.Second, 5*time.Millisecond, "sequence should rejoin the decode pool after migration")

	cancel()
	<-errCh
}
