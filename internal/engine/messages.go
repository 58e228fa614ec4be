package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

// handleMessage applies one RequestManager message to session/scheduler
// state (spec §4.5).
func (l *Loop) handleMessage(ctx context.Context, m Message) {
	switch m.Type {
	case AddSession:
		l.handleAddSession(m)
	case StopSession:
		l.handleStopSession(m)
	case EndSession:
		l.handleEndSession(m)
	case AddMessage:
		l.handleAddMessage(m)
	default:
		respond(m.Resp, session.InternalEngineError)
	}
}

func respond(resp chan session.ResponseCode, code session.ResponseCode) {
	if resp == nil {
		return
	}
	select {
	case resp <- code:
	default:
	}
}

func (l *Loop) handleAddSession(m Message) {
	if _, ok := l.sessions.Get(m.SessionID); ok {
		respond(m.Resp, session.SessionRepeat)
		return
	}
	l.sessions.Create(m.SessionID)
	respond(m.Resp, session.Success)
}

func (l *Loop) handleEndSession(m Message) {
	sess, ok := l.sessions.Get(m.SessionID)
	if !ok {
		respond(m.Resp, session.SessionNotExist)
		return
	}
	if !session.CanDestroy(sess) {
		// a sequence is preserving cache pending remote migration claim;
		// the session stays alive until that completes.
		respond(m.Resp, session.Success)
		return
	}
	for _, seq := range sess.Sequences {
		if seq.Status == session.Running || seq.Status == session.Waiting {
			l.sched.StopSession(seq)
			l.blocks.Free(seq.BlockTable)
		}
	}
	l.sessions.Delete(m.SessionID)
	respond(m.Resp, session.Finish)
}

func (l *Loop) handleStopSession(m Message) {
	sess, ok := l.sessions.Get(m.SessionID)
	if !ok {
		respond(m.Resp, session.SessionNotExist)
		return
	}
	for _, seq := range sess.Sequences {
		l.sched.StopSession(seq)
	}
	respond(m.Resp, session.Success)
}

func (l *Loop) handleAddMessage(m Message) {
	sess, ok := l.sessions.Get(m.SessionID)
	if !ok {
		respond(m.Resp, session.SessionNotExist)
		return
	}
	seq := session.NewSequence(m.SessionID, m.PromptTokens, m.SamplingParam)
	seq.AdapterName = m.AdapterName
	seq.Multimodals = m.Multimodals
	seq.PreserveCache = m.PreserveCache
	sess.AddSequence(seq)

	if len(m.MigrationRemoteBlocks) > 0 {
		seq.Status = session.WaitingMigration
		seq.MigrationRemoteBlocks = m.MigrationRemoteBlocks
		seq.MigrationRemoteEngine = m.MigrationRemoteEngine
		seq.MigrationRemoteSessID = m.MigrationRemoteSessID
		l.waitingMigration = append(l.waitingMigration, seq)
		l.migrationEvent.Notify()
		respond(m.Resp, session.Success)
		return
	}

	if err := l.sched.Enqueue(seq); err != nil {
		switch err {
		case scheduler.ErrEmptyInput, scheduler.ErrSessionLenExceeded:
			respond(m.Resp, session.InputLengthError)
		default:
			logrus.Warnf("engine: AddMessage failed for session %s: %v", m.SessionID, err)
			respond(m.Resp, session.InternalEngineError)
		}
		return
	}
	respond(m.Resp, session.Success)
}
