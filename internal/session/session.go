// Package session implements the Session/Sequence data model (spec §3): the
// conversational context a client owns, and the sequences scheduled within
// it.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is a Sequence's position in the scheduler state machine (spec §4.2).
type Status int

const (
	Waiting Status = iota
	Running
	Locked
	WaitingMigration
	MigrationLocked
	ToBeMigrated
	Stopped
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Locked:
		return "LOCKED"
	case WaitingMigration:
		return "WAITING_MIGRATION"
	case MigrationLocked:
		return "MIGRATION_LOCKED"
	case ToBeMigrated:
		return "TO_BE_MIGRATED"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ResponseFormat constrains sampled output to a guided decoding scheme.
type ResponseFormat struct {
	Kind   string // "", "json", "regex", "grammar"
	Schema string
}

// SamplingParam holds per-sequence sampling configuration (spec §3).
type SamplingParam struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	MaxNewTokens      int
	MinNewTokens      int
	StopTokenIDs      map[int]struct{}
	ResponseFormat    ResponseFormat
	LogitsProcessors  []string // opaque processor names; core treats as pass-through
}

// DefaultSamplingParam matches the sentinel defaults spec §4.3 requires
// ForwardInputs to fill in for sequences with no explicit sampling_param.
func DefaultSamplingParam() SamplingParam {
	return SamplingParam{
		Temperature:  1.0,
		TopK:         0, // 0 means disabled
		TopP:         1.0,
		MaxNewTokens: 1 << 30,
	}
}

// MultimodalRange is an opaque [Start, End) token-position range the
// external multimodal pre-processor attached embeddings to (spec §4.6).
type MultimodalRange struct {
	Start, End int
	Embedding  any // opaque tensor handle; core never interprets this
}

// EngineCoreEvent is a timestamped phase marker used for observability.
type EngineCoreEvent struct {
	Phase string
	At    time.Time
}

// RespHandle is the channel-shaped handle a Sequence's generated tokens are
// published through; the engine's response activity writes to it, and the
// owner (an external client adapter) reads from it.
type RespHandle chan InferOutput

// InferOutput is what the response activity delivers for a single sampled
// step (spec §6 get_output_async contract, scoped to one sequence).
type InferOutput struct {
	TokenIDs       []int
	Logits         []float32
	CacheBlockIDs  []int
	ModelMeta      any
	MetricsInfo    map[string]any
	ResponseCode   ResponseCode
}

// ResponseCode is a control-plane response code (spec §6).
type ResponseCode int

const (
	Success ResponseCode = iota
	Finish
	SessionRepeat
	SessionNotExist
	InputLengthError
	InternalEngineError
	Cancel
)

// Sequence is the unit the scheduler manipulates (spec §3).
type Sequence struct {
	ID              string
	SessionID       string
	AllIDs          []int
	NumHistoryIDs   int
	NumNewTokens    int
	SamplingParam   SamplingParam
	AdapterName     string
	Multimodals     []MultimodalRange
	InputEmbeddings []MultimodalRange
	BlockTable      []int
	Status          Status
	Resp            RespHandle
	PreserveCache   bool
	ModelMeta       any
	EngineCoreEvents []EngineCoreEvent

	// MigrationRemoteBlocks holds the remote prefill engine's block ids this
	// sequence must migrate before it can resume decode (disaggregated mode).
	MigrationRemoteBlocks []int
	MigrationRemoteEngine string
	MigrationRemoteSessID string

	admittedAt time.Time
}

// NewSequence creates a WAITING sequence from a prompt.
func NewSequence(sessionID string, promptTokens []int, sp SamplingParam) *Sequence {
	return &Sequence{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		AllIDs:        append([]int{}, promptTokens...),
		NumHistoryIDs: 0,
		SamplingParam: sp,
		Status:        Waiting,
		Resp:          make(RespHandle, 16),
		admittedAt:    time.Now(),
	}
}

// AdmittedAt reports when this sequence was created, used for FIFO ordering.
func (s *Sequence) AdmittedAt() time.Time { return s.admittedAt }

// PromptLen is the number of prompt tokens (history at creation time).
func (s *Sequence) PromptLen() int { return len(s.AllIDs) - s.NumNewTokens }

// AppendToken records a newly generated token.
func (s *Sequence) AppendToken(tok int) {
	s.AllIDs = append(s.AllIDs, tok)
	s.NumNewTokens++
}

// RecordEvent appends an observability phase marker.
func (s *Sequence) RecordEvent(phase string) {
	s.EngineCoreEvents = append(s.EngineCoreEvents, EngineCoreEvent{Phase: phase, At: time.Now()})
}

// Session is keyed by session_id and owns a mapping sequence_id -> Sequence
// (spec §3). A session may hold several sequences: each AddMessage adds one.
type Session struct {
	ID        string
	Sequences map[string]*Sequence
}

// NewSession creates an empty Session.
func NewSession(id string) *Session {
	return &Session{ID: id, Sequences: make(map[string]*Sequence)}
}

// AddSequence registers a new sequence under this session.
func (s *Session) AddSequence(seq *Sequence) { s.Sequences[seq.ID] = seq }

// Table maps session id -> Session (spec §4's SessionTable component).
type Table struct {
	sessions map[string]*Session
}

// NewTable constructs an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Get returns the session for id, if any.
func (t *Table) Get(id string) (*Session, bool) {
	s, ok := t.sessions[id]
	return s, ok
}

// Create adds a new session, returning SessionRepeat semantics to the
// caller via the bool (false means the session id was already present).
func (t *Table) Create(id string) (*Session, bool) {
	if _, exists := t.sessions[id]; exists {
		return nil, false
	}
	s := NewSession(id)
	t.sessions[id] = s
	return s, true
}

// Delete removes a session unconditionally, e.g. after EndSession. It does
// not apply the spec §3 destruction rule itself: callers check CanDestroy
// first.
func (t *Table) Delete(id string) {
	delete(t.sessions, id)
}

// CanDestroy reports whether a session is eligible for destruction: no
// sequence may be in WAITING_MIGRATION/MIGRATION_LOCKED/TO_BE_MIGRATED with
// PreserveCache set.
func CanDestroy(s *Session) bool {
	for _, seq := range s.Sequences {
		if seq.PreserveCache && (seq.Status == WaitingMigration || seq.Status == MigrationLocked || seq.Status == ToBeMigrated) {
			return false
		}
	}
	return true
}

// AllSequences returns every session's sequences, in session-id iteration
// order (map order, not guaranteed stable — callers needing FIFO semantics
// should sort by Sequence.AdmittedAt()).
func (t *Table) AllSequences() []*Sequence {
	var out []*Sequence
	for _, s := range t.sessions {
		for _, seq := range s.Sequences {
			out = append(out, seq)
		}
	}
	return out
}
