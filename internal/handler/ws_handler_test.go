package handler

import (
	"encoding/json"
	"testing"

	ws "github.com/oemslab/oems-backend/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampElapsed(t *testing.T) {
	// The client value is a hint: it may lag the server clock but never
	// outrun it.
	assert.Equal(t, 300, clampElapsed(300, 600), "lagging client value is kept")
	assert.Equal(t, 600, clampElapsed(600, 600))
	assert.Equal(t, 600, clampElapsed(9000, 600), "client cannot report more time than elapsed")
	assert.Equal(t, 600, clampElapsed(0, 600))
	assert.Equal(t, 600, clampElapsed(-5, 600))
}

func TestStreamActionDecoding(t *testing.T) {
	// Client messages carry typed fields beyond the action discriminator;
	// both decode from the same raw frame.
	raw := []byte(`{"action":"warning","kind":"tab_switch"}`)

	var env ws.RequestEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, ws.ActionWarning, env.Action)

	var warning ws.WarningRequest
	require.NoError(t, json.Unmarshal(raw, &warning))
	assert.Equal(t, "tab_switch", warning.Kind)

	raw = []byte(`{"action":"checkpoint","elapsed_seconds":420}`)
	var checkpoint ws.CheckpointRequest
	require.NoError(t, json.Unmarshal(raw, &checkpoint))
	assert.Equal(t, 420, checkpoint.ElapsedSeconds)
}
