// Package scheduler implements the per-step sequence state machine, block
// table growth, and prefill/decode batch selection (spec §4.2).
package scheduler

import (
	"github.com/sirupsen/logrus"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/session"
)

// Role is the engine's serving role in a (possibly disaggregated) topology.
type Role int

const (
	Hybrid Role = iota
	Prefill
	Decode
)

// Config groups the scheduler's admission and batching parameters
// (spec §6 configuration).
type Config struct {
	MaxBatches         int64
	MaxSessionLen      int
	PrefillInterval    int
	BlockSizeTokens    int
	MaxPrefillTokenNum int
	Role               Role
	// PermittedWaiting is the do_prefill waiting-queue threshold (spec
	// §4.2), defaulting to 4 for hybrid/decode roles and 1 for pure prefill.
	// Only the hybrid role's branch of DoPrefill reads it; the prefill and
	// decode roles decide by their own rules and do not consult it.
	PermittedWaiting int
}

// DefaultPermittedWaiting returns the role-appropriate default.
func DefaultPermittedWaiting(role Role) int {
	if role == Prefill {
		return 1
	}
	return 4
}

// Output is the result of one Schedule call (spec §4.2 SchedulerOutput).
type Output struct {
	Running    []*session.Sequence
	SwapInMap  map[int]int
	SwapOutMap map[int]int
}

// Scheduler owns the WAITING queue and RUNNING set, and drives the block
// Manager to back them with physical blocks.
type Scheduler struct {
	cfg     Config
	blocks  *block.Manager
	waiting []*session.Sequence // FIFO by admission order
	running []*session.Sequence
}

// New constructs a Scheduler over the given block Manager.
func New(cfg Config, blocks *block.Manager) *Scheduler {
	if cfg.PermittedWaiting == 0 {
		cfg.PermittedWaiting = DefaultPermittedWaiting(cfg.Role)
	}
	return &Scheduler{cfg: cfg, blocks: blocks}
}

// NumWaiting returns the current WAITING queue depth.
func (s *Scheduler) NumWaiting() int { return len(s.waiting) }

// NumRunning returns the current RUNNING set size.
func (s *Scheduler) NumRunning() int { return len(s.running) }

// Enqueue admits a new sequence into WAITING, applying the max_session_len
// admission check (truncating max_new_tokens if needed, per spec §6).
func (s *Scheduler) Enqueue(seq *session.Sequence) error {
	if len(seq.AllIDs) == 0 {
		return ErrEmptyInput
	}
	if s.cfg.MaxSessionLen > 0 && len(seq.AllIDs) > s.cfg.MaxSessionLen {
		return ErrSessionLenExceeded
	}
	if s.cfg.MaxSessionLen > 0 {
		remaining := s.cfg.MaxSessionLen - len(seq.AllIDs)
		if seq.SamplingParam.MaxNewTokens > remaining {
			seq.SamplingParam.MaxNewTokens = remaining
		}
	}
	seq.Status = session.Waiting
	s.waiting = append(s.waiting, seq)
	return nil
}

// DoPrefill implements the engine-side interleaving decision (spec §4.2):
// run prefill when the wait queue has backed up past the permitted-waiting
// threshold, or the running set is under half of max_batches — but never
// when nothing is waiting, since there is then nothing to prefill. Pure-
// prefill roles run prefill whenever waiters exist; pure-decode roles run
// prefill only while nothing is running (to produce the next decode batch).
func (s *Scheduler) DoPrefill() bool {
	switch s.cfg.Role {
	case Prefill:
		return len(s.waiting) > 0
	case Decode:
		return len(s.running) == 0 && len(s.waiting) > 0
	default:
		if len(s.waiting) == 0 {
			return false
		}
		if len(s.waiting) >= s.cfg.PermittedWaiting {
			return true
		}
		return int64(len(s.running)) < int64(float64(s.cfg.MaxBatches)*0.5)
	}
}

// blocksNeeded computes ceil(numTokens / BlockSizeTokens).
func (s *Scheduler) blocksNeeded(numTokens int) int {
	if numTokens <= 0 {
		return 0
	}
	return (numTokens + s.cfg.BlockSizeTokens - 1) / s.cfg.BlockSizeTokens
}

// SchedulePrefill admits WAITING sequences FIFO until max_batches or the
// max_prefill_token_num budget (expressed in blocks) is exhausted. A
// sequence that cannot allocate remains WAITING and backpressure flows
// upward; per spec, FIFO order is preserved, so a stalled head blocks later
// admissions in the same call.
func (s *Scheduler) SchedulePrefill() Output {
	out := Output{}
	blockBudget := s.cfg.MaxPrefillTokenNum / max(s.cfg.BlockSizeTokens, 1)
	usedBlocks := 0
	var admitted []*session.Sequence
	for len(s.waiting) > 0 && int64(len(s.running)+len(admitted)) < s.cfg.MaxBatches {
		next := s.waiting[0]
		cached, _ := s.blocks.MatchPrefix(next.AllIDs)
		need := s.blocksNeeded(len(next.AllIDs)) - len(cached)
		if usedBlocks+need > blockBudget && blockBudget > 0 {
			break
		}
		table, err := s.blocks.Allocate(nil, cached, next.AllIDs, next.ID)
		if err != nil {
			logrus.Warnf("scheduler: prefill admission stalled for %s: %v", next.ID, err)
			break
		}
		next.BlockTable = table
		// NumNewTokens stays 0 here: it counts only generated tokens
		// (incremented one at a time by AppendToken, spec §3/§8 invariant 4),
		// never the prompt length. The forward pass's prefill token span is
		// derived by InputsMaker from AllIDs/NumHistoryIDs instead.
		next.Status = session.Running
		usedBlocks += need
		s.waiting = s.waiting[1:]
		admitted = append(admitted, next)
	}
	s.running = append(s.running, admitted...)
	out.Running = admitted
	return out
}

// ScheduleDecode takes up to max_batches RUNNING sequences and reserves
// block capacity for prealloc additional tokens per sequence so the block
// table stays ahead of per-step growth. If a reservation fails, it evicts
// other RUNNING sequences whole, batch tail first (see evictOne), until it
// succeeds, or drops the offending sequence back to WAITING.
func (s *Scheduler) ScheduleDecode(prealloc int) Output {
	out := Output{}
	limit := int(s.cfg.MaxBatches)
	if limit > len(s.running) {
		limit = len(s.running)
	}
	batch := s.running[:limit]

	for _, seq := range batch {
		if seq.Status != session.Running {
			continue // evicted to WAITING by an earlier member of this batch
		}
		seq.Status = session.Locked
		needed := s.blocksNeeded(len(seq.AllIDs)+prealloc) - len(seq.BlockTable)
		for needed > 0 && !s.blocks.CanAllocate(needed) {
			if !s.evictOne(seq) {
				s.dropToWaiting(seq)
				needed = 0
				break
			}
			needed = s.blocksNeeded(len(seq.AllIDs)+prealloc) - len(seq.BlockTable)
		}
		if seq.Status != session.Locked {
			continue // dropped to waiting above
		}
		if needed > 0 {
			// No prefix-cache lookup on the decode path: seq.BlockTable already
			// covers every token it has, so there is nothing new to match.
			table, err := s.blocks.Allocate(seq.BlockTable, nil, padTokens(seq.AllIDs, prealloc), seq.ID)
			if err != nil {
				s.dropToWaiting(seq)
				continue
			}
			seq.BlockTable = table
		}
	}
	out.Running = s.lockedSubset(batch)
	return out
}

func padTokens(tokens []int, n int) []int {
	if n <= 0 {
		return tokens
	}
	padded := make([]int, len(tokens)+n)
	copy(padded, tokens)
	return padded
}

func (s *Scheduler) lockedSubset(batch []*session.Sequence) []*session.Sequence {
	var out []*session.Sequence
	for _, seq := range batch {
		if seq.Status == session.Locked {
			out = append(out, seq)
		}
	}
	return out
}

// evictOne evicts one candidate sequence whole, returning all of its blocks
// to the free pool and dropping it to the front of WAITING, and reports
// whether an eviction happened. The candidate is the most-recently-admitted
// RUNNING (not LOCKED) sequence other than target (matching the teacher's
// preemptForTokens "evict the batch tail" behavior). WAITING sequences hold
// no blocks and are never candidates: if no RUNNING sequence is eligible,
// nothing is evicted and it returns false.
func (s *Scheduler) evictOne(target *session.Sequence) bool {
	for i := len(s.running) - 1; i >= 0; i-- {
		cand := s.running[i]
		if cand == target || cand.Status != session.Running {
			continue
		}
		s.blocks.Free(cand.BlockTable)
		cand.BlockTable = nil
		s.dropToWaiting(cand)
		return true
	}
	return false
}

// dropToWaiting removes seq from RUNNING (if present) and re-enqueues it at
// the front of WAITING, freeing its blocks first.
func (s *Scheduler) dropToWaiting(seq *session.Sequence) {
	if len(seq.BlockTable) > 0 {
		s.blocks.Free(seq.BlockTable)
		seq.BlockTable = nil
	}
	seq.Status = session.Waiting
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	s.waiting = append([]*session.Sequence{seq}, s.waiting...)
}

// AdoptRunning inserts a sequence directly into RUNNING outside the normal
// WAITING->Schedule path — used once a migrated sequence has rejoined the
// decode pool (spec §4.4 migration activity).
func (s *Scheduler) AdoptRunning(seq *session.Sequence) {
	s.running = append(s.running, seq)
}

// Unlock transitions LOCKED sequences back to RUNNING once a forward step
// completes without the sequence stopping.
func (s *Scheduler) Unlock(batch []*session.Sequence) {
	for _, seq := range batch {
		if seq.Status == session.Locked {
			seq.Status = session.Running
		}
	}
}

// CheckStop applies the stop logic (spec §4.2): compares the newly sampled
// token against stop_token_ids (suppressed below min_new_tokens) and
// num_new_tokens against max_new_tokens, transitioning to STOPPED or
// TO_BE_MIGRATED. Returns true if the sequence terminated this step.
func (s *Scheduler) CheckStop(seq *session.Sequence, token int) bool {
	seq.AppendToken(token)
	_, isStop := seq.SamplingParam.StopTokenIDs[token]
	hitStop := isStop && seq.NumNewTokens >= seq.SamplingParam.MinNewTokens
	hitMax := seq.NumNewTokens >= seq.SamplingParam.MaxNewTokens
	if !hitStop && !hitMax {
		return false
	}
	s.terminate(seq)
	return true
}

func (s *Scheduler) terminate(seq *session.Sequence) {
	if seq.PreserveCache {
		seq.Status = session.ToBeMigrated
	} else {
		seq.Status = session.Stopped
		s.blocks.Free(seq.BlockTable)
		seq.BlockTable = nil
	}
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	for i, w := range s.waiting {
		if w == seq {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
}

// StopSession forces termination of a sequence outside the normal stop
// check (e.g. a client StopSession message). If the sequence is LOCKED, the
// in-flight step is allowed to complete and termination is deferred to the
// next Unlock/CheckStop boundary (spec §5 cancellation).
func (s *Scheduler) StopSession(seq *session.Sequence) {
	if seq.Status == session.Locked {
		seq.PreserveCache = false
		seq.SamplingParam.MaxNewTokens = seq.NumNewTokens
		return
	}
	s.terminate(seq)
}

// Waiting returns a snapshot of the WAITING queue (FIFO order).
func (s *Scheduler) Waiting() []*session.Sequence {
	return append([]*session.Sequence{}, s.waiting...)
}

// Running returns a snapshot of the RUNNING set.
func (s *Scheduler) Running() []*session.Sequence {
	return append([]*session.Sequence{}, s.running...)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
