// Package migration implements the disaggregated-serving KV migration
// subsystem: P2P handshake lifecycle and block-pair migration batches
// (spec §4.7).
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/paged-kv/inference-core/internal/executor"
)

// Transport is the opaque migration backend (spec §6 migration_backend).
type Transport string

const (
	DLSlime  Transport = "DLSlime"
	Mooncake Transport = "Mooncake"
	NIXL     Transport = "NIXL"
)

// ErrBlockCountMismatch is fatal for the affected sequence (spec §7
// MigrationErrors): the response is Finish with an empty body.
var ErrBlockCountMismatch = errors.New("migration: remote/local block count mismatch")

// ErrTransport wraps a transport-layer failure (spec §7): reported as
// InternalEngineError, scoped to the affected sequence.
type ErrTransport struct{ Err error }

func (e *ErrTransport) Error() string { return fmt.Sprintf("migration: transport error: %v", e.Err) }
func (e *ErrTransport) Unwrap() error { return e.Err }

// InitRequest is what a decode engine sends to begin a migration handshake.
type InitRequest struct {
	LocalEngineID       string
	LocalSessionID      string
	TransportProtocol   Transport
	RemoteEndpointHints map[string]string
}

// Handshake is the response to a successful p2p_initialize.
type Handshake struct {
	ConnectionID string
	Accepted     bool
}

// ConnRequest completes transport plumbing for a previously initialized
// handshake.
type ConnRequest struct {
	ConnectionID string
}

// DropRequest tears down a previously connected P2P link.
type DropRequest struct {
	ConnectionID string
}

// SideChannel is the narrow interface over which a decode engine notifies a
// remote prefill engine that it may release migrated blocks
// (zmq_send in spec §4.7; named for the transport-agnostic behavior rather
// than a specific wire library, since no concrete ZMQ binding appears
// anywhere in the example pack — see DESIGN.md).
type SideChannel interface {
	Send(ctx context.Context, remoteEngineID, remoteSessionID string) error
}

// Transporter performs the actual P2P handshake/connect/drop/transfer
// plumbing for a given Transport. Implementations live outside this
// module's scope (RDMA/NVLink/TCP specifics); the Controller only
// sequences calls against this interface.
type Transporter interface {
	Initialize(ctx context.Context, req InitRequest) (Handshake, error)
	Connect(ctx context.Context, req ConnRequest) error
	Drop(ctx context.Context, req DropRequest) error
}

// Controller exposes the four migration operations (spec §4.7) and drives
// block-pair migration batches through the executor.
type Controller struct {
	transport Transporter
	side      SideChannel
	exec      executor.Executor
}

// New constructs a Controller.
func New(transport Transporter, side SideChannel, exec executor.Executor) *Controller {
	return &Controller{transport: transport, side: side, exec: exec}
}

func (c *Controller) P2PInitialize(ctx context.Context, req InitRequest) (Handshake, error) {
	return c.transport.Initialize(ctx, req)
}

func (c *Controller) P2PConnect(ctx context.Context, req ConnRequest) error {
	return c.transport.Connect(ctx, req)
}

func (c *Controller) P2PDropConnect(ctx context.Context, req DropRequest) error {
	return c.transport.Drop(ctx, req)
}

func (c *Controller) ZMQSend(ctx context.Context, remoteEngineID, remoteSessionID string) error {
	if err := c.side.Send(ctx, remoteEngineID, remoteSessionID); err != nil {
		return &ErrTransport{Err: err}
	}
	return nil
}

// Migrate moves KV blocks remote->local for one sequence, pair-wise, and
// signals the remote engine that it may release once complete. A
// dummy-prefill request (zero-length RemoteBlocks/LocalBlocks) skips
// transfer entirely but still completes successfully, so the caller can
// bootstrap a single-token InferOutput for the decode stream.
func (c *Controller) Migrate(ctx context.Context, batch executor.MigrationBatch, remoteEngineID, remoteSessionID string) error {
	if len(batch.RemoteBlocks) != len(batch.LocalBlocks) {
		return ErrBlockCountMismatch
	}
	if len(batch.RemoteBlocks) > 0 {
		if err := c.exec.Migrate(ctx, batch); err != nil {
			return &ErrTransport{Err: err}
		}
	}
	return c.ZMQSend(ctx, remoteEngineID, remoteSessionID)
}
