// Package engine implements the asynchronous orchestrator: the
// RequestManager mailbox, the counting/binary event primitives, and the
// EngineLoop's four cooperating activities (spec §4.4, §4.5).
package engine

import (
	"github.com/paged-kv/inference-core/internal/session"
)

// MessageType enumerates RequestManager mailbox message kinds (spec §4.5).
type MessageType int

const (
	AddSession MessageType = iota
	StopSession
	EndSession
	AddMessage
)

// Message is one typed control-plane request. Resp is a per-message
// response channel the engine posts exactly one response code to, for every
// message type (spec §4.5). For AddMessage that code acknowledges
// admission; the generated tokens stream separately through the created
// Sequence's Resp handle as Success items ending in Finish.
type Message struct {
	Type          MessageType
	SessionID     string
	PromptTokens  []int
	SamplingParam session.SamplingParam
	AdapterName   string
	Multimodals   []session.MultimodalRange
	PreserveCache bool

	// MigrationRemote* populate a decode-engine AddMessage that should
	// bootstrap via disaggregated migration instead of local prefill.
	MigrationRemoteBlocks []int
	MigrationRemoteEngine string
	MigrationRemoteSessID string

	Resp chan session.ResponseCode
}

// RequestManager is a bounded multi-producer single-consumer mailbox.
// Delivery preserves submission order per session (spec §4.5).
type RequestManager struct {
	inbox chan Message
}

// NewRequestManager constructs a RequestManager with the given mailbox
// capacity (bounded, per spec §4.5).
func NewRequestManager(capacity int) *RequestManager {
	return &RequestManager{inbox: make(chan Message, capacity)}
}

// Submit enqueues msg from any producer goroutine; blocks if the mailbox is
// full (backpressure).
func (r *RequestManager) Submit(msg Message) {
	r.inbox <- msg
}

// TrySubmit enqueues msg without blocking, reporting false if the mailbox
// is full.
func (r *RequestManager) TrySubmit(msg Message) bool {
	select {
	case r.inbox <- msg:
		return true
	default:
		return false
	}
}

// Drain consumes all currently buffered messages without blocking, for the
// preprocess activity (spec §4.4 step 1).
func (r *RequestManager) Drain() []Message {
	var out []Message
	for {
		select {
		case m := <-r.inbox:
			out = append(out, m)
		default:
			return out
		}
	}
}
