package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrySubmit_ReportsFalseWhenFull(t *testing.T) {
	rm := NewRequestManager(1)
	require.True(t, rm.TrySubmit(Message{Type: AddSession, SessionID: "a"}))
	require.False(t, rm.TrySubmit(Message{Type: AddSession, SessionID: "b"}))
}

func TestDrain_ReturnsAllBufferedInOrder(t *testing.T) {
	rm := NewRequestManager(4)
	rm.Submit(Message{SessionID: "a"})
	rm.Submit(Message{SessionID: "b"})
	rm.Submit(Message{SessionID: "c"})

	msgs := rm.Drain()
	require.Len(t, msgs, 3)
	require.Equal(t, "a", msgs[0].SessionID)
	require.Equal(t, "c", msgs[2].SessionID)
	require.Empty(t, rm.Drain(), "a second drain with nothing new returns empty")
}
