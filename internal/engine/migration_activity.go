package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/migration"
	"github.com/paged-kv/inference-core/internal/session"
)

// migrationActivity services WAITING_MIGRATION sequences (spec §4.4
// activity 4). For each, it pairs remote prefill block ids with newly
// allocated local decode block ids, invokes executor.Migrate, signals the
// remote engine over the side channel, and rejoins the sequence to the
// normal RUNNING pool carrying the remote's last token.
func (l *Loop) migrationActivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.migrationEvent.C():
		}
		if len(l.waitingMigration) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.NoMigrationBackoff):
			}
			continue
		}
		pending := l.waitingMigration
		l.waitingMigration = nil
		for _, seq := range pending {
			l.migrateOne(ctx, seq)
		}
		if len(l.waitingMigration) > 0 {
			l.migrationEvent.Notify()
		}
	}
}

func (l *Loop) migrateOne(ctx context.Context, seq *session.Sequence) {
	localBlocks, err := l.blocks.AllocateBlocks(len(seq.MigrationRemoteBlocks))
	if err != nil {
		logrus.Warnf("engine: migration allocation failed for seq %s: %v", seq.ID, err)
		deliver(seq, nil, nil, nil, nil, session.Finish)
		return
	}
	seq.Status = session.MigrationLocked
	batch := executor.MigrationBatch{SeqID: seq.ID, RemoteBlocks: seq.MigrationRemoteBlocks, LocalBlocks: localBlocks}
	if err := l.migCtrl.Migrate(ctx, batch, seq.MigrationRemoteEngine, seq.MigrationRemoteSessID); err != nil {
		logrus.Warnf("engine: migration failed for seq %s: %v", seq.ID, err)
		l.blocks.Free(localBlocks)
		code := session.InternalEngineError
		if errors.Is(err, migration.ErrBlockCountMismatch) {
			code = session.Finish
		}
		deliver(seq, nil, nil, nil, nil, code)
		return
	}
	seq.BlockTable = localBlocks
	lastToken := 0
	if len(seq.AllIDs) > 0 {
		lastToken = seq.AllIDs[len(seq.AllIDs)-1]
	}
	tokens := []int{lastToken}
	if l.cfg.SuppressTokenOnMigrationStop {
		// Reproduces the ambiguous update_running_migration behavior
		// literally (spec §9): with the flag set, a bootstrap token that is
		// one of the sequence's stop tokens is delivered as an empty token
		// list. The sequence still rejoins RUNNING either way.
		if _, isStop := seq.SamplingParam.StopTokenIDs[lastToken]; isStop {
			tokens = nil
		}
	}
	deliver(seq, tokens, nil, append([]int{}, localBlocks...), seq.ModelMeta, session.Success)
	seq.Status = session.Running
	l.sched.AdoptRunning(seq)
}
