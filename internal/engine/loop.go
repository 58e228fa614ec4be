package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/inputsmaker"
	"github.com/paged-kv/inference-core/internal/migration"
	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

// Config groups the EngineLoop's static parameters.
type Config struct {
	Prealloc          int // extra tokens of block capacity reserved per decode step
	MailboxCapacity   int
	CacheFullBackoff  time.Duration // 100ms per spec §5
	NoMigrationBackoff time.Duration // 500ms per spec §5
	// SuppressTokenOnMigrationStop reproduces the ambiguous
	// update_running_migration behavior literally (spec §9 open question):
	// when true, the bootstrap token delivered on migration rejoin is
	// replaced by an empty token list if it is one of the sequence's stop
	// tokens.
	SuppressTokenOnMigrationStop bool
}

// responseItem is one pending delivery the response activity will dispatch
// once forwardEvent reopens.
type responseItem struct {
	seq    *session.Sequence
	tokens []int
	logits []float32
	blocks []int
	meta   any
	code   session.ResponseCode
}

// Loop is the EngineLoop orchestrator: four cooperating activities driven
// by a single supervisor (spec §4.4).
type Loop struct {
	cfg Config

	sessions *session.Table
	sched    *scheduler.Scheduler
	blocks   *block.Manager
	maker    *inputsmaker.Maker
	exec     executor.Executor
	reqMgr   *RequestManager
	migCtrl  *migration.Controller

	forwardEvent   *CountingGate
	hasRunnable    BinarySignal
	migrationEvent BinarySignal

	responses chan responseItem

	waitingMigration []*session.Sequence
	metrics          *scheduler.Metrics
	stepCount        int
}

// New constructs a Loop wiring together the scheduler, block manager,
// inputs maker, executor, request mailbox and (optional) migration
// controller. migCtrl may be nil for a pure single-engine deployment.
func New(cfg Config, sessions *session.Table, sched *scheduler.Scheduler, blocks *block.Manager, maker *inputsmaker.Maker, exec executor.Executor, reqMgr *RequestManager, migCtrl *migration.Controller) *Loop {
	if cfg.CacheFullBackoff == 0 {
		cfg.CacheFullBackoff = 100 * time.Millisecond
	}
	if cfg.NoMigrationBackoff == 0 {
		cfg.NoMigrationBackoff = 500 * time.Millisecond
	}
	return &Loop{
		cfg:            cfg,
		sessions:       sessions,
		sched:          sched,
		blocks:         blocks,
		maker:          maker,
		exec:           exec,
		reqMgr:         reqMgr,
		migCtrl:        migCtrl,
		forwardEvent:   NewCountingGate(),
		hasRunnable:    NewBinarySignal(),
		migrationEvent: NewBinarySignal(),
		responses:      make(chan responseItem, 256),
		metrics:        scheduler.NewMetrics(),
	}
}

// Run starts the four activities as an errgroup and blocks until one fails
// or ctx is cancelled, at which point siblings are cancelled, drained, and
// the executor is torn down deterministically (spec §4.4 cancellation).
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.preprocessActivity(gctx) })
	g.Go(func() error { return l.mainActivity(gctx) })
	g.Go(func() error { return l.responseActivity(gctx) })
	if l.migCtrl != nil {
		g.Go(func() error { return l.migrationActivity(gctx) })
	}

	err := g.Wait()
	l.drainResponses()
	if releaseErr := l.exec.Release(context.Background()); releaseErr != nil {
		logrus.Warnf("engine: executor release failed during teardown: %v", releaseErr)
	}
	return err
}

// drainResponses flushes any buffered responses with Finish, per spec §5
// supervisor-cancellation behavior.
func (l *Loop) drainResponses() {
	for {
		select {
		case item := <-l.responses:
			deliver(item.seq, item.tokens, item.logits, item.blocks, item.meta, session.Finish)
		default:
			return
		}
	}
}

func deliver(seq *session.Sequence, tokens []int, logits []float32, blocks []int, meta any, code session.ResponseCode) {
	select {
	case seq.Resp <- session.InferOutput{TokenIDs: tokens, Logits: logits, CacheBlockIDs: blocks, ModelMeta: meta, ResponseCode: code}:
	default:
		// Resp handle is abandoned or full; drop rather than block the
		// supervisor during teardown.
	}
}

// preprocessActivity drains the RequestManager and advances session state
// (spec §4.4 activity 1). It awaits forwardEvent before mutating sequence
// state so control messages apply before any later generation step runs
// (spec §5 ordering guarantee).
func (l *Loop) preprocessActivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.forwardEvent.Await()
		msgs := l.reqMgr.Drain()
		for _, m := range msgs {
			l.handleMessage(ctx, m)
		}
		if l.sched.NumWaiting() > 0 || l.sched.NumRunning() > 0 {
			l.hasRunnable.Notify()
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.CacheFullBackoff):
			}
		}
	}
}

// mainActivity assembles and submits forward inputs, then streams results
// back for loopCount iterations (spec §4.4 activity 2).
func (l *Loop) mainActivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.hasRunnable.C():
		}
		if err := l.runStep(ctx); err != nil {
			return err
		}
		if l.sched.NumWaiting() > 0 || l.sched.NumRunning() > 0 {
			l.hasRunnable.Notify()
		}
	}
}

func (l *Loop) runStep(ctx context.Context) error {
	isPrefill := l.sched.DoPrefill()
	var out scheduler.Output
	if isPrefill {
		out = l.sched.SchedulePrefill()
	} else {
		out = l.sched.ScheduleDecode(l.cfg.Prealloc)
	}
	l.metrics.Sample(l.sched)
	l.stepCount++
	if l.stepCount%100 == 0 {
		summary := l.metrics.Summarize()
		logrus.Infof("engine: step %d health — mean_waiting=%.2f mean_batch=%.2f samples=%d",
			l.stepCount, summary.MeanWaitingDepth, summary.MeanBatchSize, summary.Samples)
	}
	if len(out.Running) == 0 {
		return nil
	}

	loopCount := l.maker.LoopCount(isPrefill)
	in := l.maker.Build(out, !isPrefill)
	if err := l.exec.ForwardAsync(ctx, in); err != nil {
		return err
	}

	for i := 0; i < loopCount; i++ {
		if i == loopCount/2 {
			l.forwardEvent.Clear()
		}
		if i == loopCount-1 {
			// Last iteration. No next-batch prefetch happens here, for any
			// executor: the next batch is scheduled and submitted only by
			// the following runStep call, after this step's outputs have
			// been consumed. Only the forwardEvent bookkeeping below runs.
		}
		res, err := l.exec.GetOutputAsync(ctx)
		if err != nil {
			return err
		}
		l.dispatchOutput(out.Running, res)
		if i == loopCount-1 {
			l.forwardEvent.Set()
		}
	}
	l.sched.Unlock(out.Running)
	return nil
}

// dispatchOutput maps one iteration's executor output onto the batch,
// applies the stop check, and enqueues an InferOutput per sequence for the
// response activity (spec §4.4 activity 2 / §4.2 stop checking).
func (l *Loop) dispatchOutput(batch []*session.Sequence, res executor.Output) {
	for i, seq := range batch {
		if i >= len(res.NextTokenIDs) {
			break
		}
		tok := int(res.NextTokenIDs[i])
		stopped := l.sched.CheckStop(seq, tok)
		var logits []float32
		if res.Logits != nil && i < len(res.Logits) {
			logits = res.Logits[i]
		}
		var meta any
		if res.ModelMetas != nil && i < len(res.ModelMetas) {
			meta = res.ModelMetas[i]
			seq.ModelMeta = meta
		}
		code := session.Success
		if stopped {
			code = session.Finish
		}
		item := responseItem{seq: seq, tokens: []int{tok}, logits: logits, blocks: append([]int{}, seq.BlockTable...), meta: meta, code: code}
		select {
		case l.responses <- item:
		default:
			logrus.Warnf("engine: response queue full, blocking to preserve order for seq %s", seq.ID)
			l.responses <- item
		}
	}
}

// responseActivity dequeues InferOutputs and delivers them, awaiting
// forwardEvent so the response path never re-enters scheduler state while
// preprocess is mutating it (spec §4.4 activity 3).
func (l *Loop) responseActivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-l.responses:
			l.forwardEvent.Await()
			deliver(item.seq, item.tokens, item.logits, item.blocks, item.meta, item.code)
		}
	}
}
