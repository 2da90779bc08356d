package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompletionResultFinalAnswer(t *testing.T) {
	answer, ok := SyncResult("  hello \n").FinalAnswer()
	require.True(t, ok)
	require.Equal(t, "hello", answer)

	_, ok = SyncResult("   ").FinalAnswer()
	require.False(t, ok)

	_, ok = StreamChunk("node_started", json.RawMessage(`{"outputs":{"answer":"x"}}`)).FinalAnswer()
	require.False(t, ok)

	answer, ok = StreamChunk(StreamEventWorkflowFinished, json.RawMessage(`{"outputs":{"answer":"done"}}`)).FinalAnswer()
	require.True(t, ok)
	require.Equal(t, "done", answer)

	_, ok = StreamChunk(StreamEventWorkflowFinished, json.RawMessage(`{"outputs":{}}`)).FinalAnswer()
	require.False(t, ok)
}

func TestTypedErrors(t *testing.T) {
	err := &TransportError{Op: "list sessions", StatusCode: 502, Err: errors.New("bad gateway")}
	wrapped := errors.Join(errors.New("context"), err)
	require.True(t, IsTransport(wrapped))
	require.False(t, IsMalformed(wrapped))
	require.Contains(t, err.Error(), "status 502")

	require.ErrorIs(t, MissingPrerequisite("session"), ErrMissingPrerequisite)
	require.True(t, IsNotFound(fmt.Errorf("session 4: %w", ErrNotFound)))
	require.False(t, IsNotFound(err))
}
