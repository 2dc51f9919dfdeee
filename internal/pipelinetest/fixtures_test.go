package pipelinetest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func TestNewEvent_PopulatesFieldsWithUniqueID(t *testing.T) {
	a := NewEvent("cursor", "s-1", eventmodel.EventUserPrompt, map[string]any{"prompt_length": float64(3)})
	b := NewEvent("cursor", "s-1", eventmodel.EventUserPrompt, map[string]any{"prompt_length": float64(3)})

	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID, "each fixture gets a distinct event_id")
	assert.Equal(t, "cursor", a.Platform)
	assert.Equal(t, "s-1", a.ExternalSessionID)
	assert.Equal(t, eventmodel.EventUserPrompt, a.EventType)
	assert.False(t, a.EnqueuedAt.IsZero())
}

func TestNewSession_ReturnsDistinctSessionIDs(t *testing.T) {
	a := NewSession()
	b := NewSession()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "session-")
}
