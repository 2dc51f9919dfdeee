package eventschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func TestValidate_KnownTypeRequiredFields(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	ok := eventmodel.Event{
		EventType: eventmodel.EventAssistantResponse,
		Payload: map[string]any{
			"response_length": 45,
			"tokens_used":     30,
			"model":           "m1",
			"duration_ms":     800,
		},
	}
	assert.NoError(t, v.Validate(ok))

	missing := eventmodel.Event{
		EventType: eventmodel.EventAssistantResponse,
		Payload: map[string]any{
			"response_length": 45,
		},
	}
	assert.Error(t, v.Validate(missing))
}

func TestValidate_FileEditOperationEnum(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	bad := eventmodel.Event{
		EventType: eventmodel.EventFileEdit,
		Payload: map[string]any{
			"file_extension": ".go",
			"lines_added":    1,
			"lines_removed":  0,
			"operation":      "transmogrified",
		},
	}
	assert.Error(t, v.Validate(bad))
}

func TestValidate_UnknownEventTypePasses(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	ev := eventmodel.Event{EventType: "SomeFutureEvent", Payload: map[string]any{}}
	assert.NoError(t, v.Validate(ev))
}

func TestValidate_SessionStartHasNoRequiredFields(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	ev := eventmodel.Event{EventType: eventmodel.EventSessionStart, Payload: nil}
	assert.NoError(t, v.Validate(ev))
}
