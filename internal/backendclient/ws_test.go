package backendclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrameExtractsTypePromptAndClientID(t *testing.T) {
	raw := []byte(`{"type":"executing","data":{"prompt_id":"p1","sid":"c1"}}`)
	frame := decodeFrame("gpu-0", raw)

	require.Equal(t, "gpu-0", frame.Backend)
	require.Equal(t, "executing", frame.Type)
	require.Equal(t, "p1", frame.PromptID)
	require.Equal(t, "c1", frame.ClientID)
}

func TestDecodeFrameToleratesMissingFields(t *testing.T) {
	frame := decodeFrame("gpu-0", []byte(`{"type":"status"}`))
	require.Empty(t, frame.PromptID)
	require.Empty(t, frame.ClientID)
}

func TestNewReconnectBackOffStartsAtOneSecond(t *testing.T) {
	b := newReconnectBackOff()
	require.Equal(t, reconnectMin, b.InitialInterval)
	require.Equal(t, reconnectMax, b.MaxInterval)
}
