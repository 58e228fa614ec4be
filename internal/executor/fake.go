package executor

import (
	"context"
	"errors"
)

// Fake is a deterministic in-memory Executor used by the engine-loop tests
// and by cmd serve, standing in for a real tensor runtime the way the
// teacher's own Simulator stands in for a real vLLM engine. Script supplies
// one Output per call to GetOutputAsync, consumed in order.
type Fake struct {
	Script []Output
	cursor int
	last   ForwardInputs
}

// NewFake builds a Fake that will replay script in order.
func NewFake(script []Output) *Fake {
	return &Fake{Script: script}
}

func (f *Fake) Init(ctx context.Context) error    { return nil }
func (f *Fake) Start(ctx context.Context) error   { return nil }
func (f *Fake) Stop(ctx context.Context) error    { return nil }
func (f *Fake) Release(ctx context.Context) error { return nil }

func (f *Fake) ForwardAsync(ctx context.Context, in ForwardInputs) error {
	f.last = in
	return nil
}

func (f *Fake) GetOutputAsync(ctx context.Context) (Output, error) {
	if f.cursor >= len(f.Script) {
		return Output{}, errors.New("executor/fake: script exhausted")
	}
	out := f.Script[f.cursor]
	f.cursor++
	return out, nil
}

func (f *Fake) Migrate(ctx context.Context, batch MigrationBatch) error {
	if len(batch.RemoteBlocks) != len(batch.LocalBlocks) {
		return errors.New("executor/fake: mismatched block counts")
	}
	return nil
}

// LastForward returns the most recent ForwardInputs submitted, for test
// assertions.
func (f *Fake) LastForward() ForwardInputs { return f.last }
