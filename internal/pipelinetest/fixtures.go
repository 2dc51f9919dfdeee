// Package pipelinetest provides shared event fixtures for tests across the
// pipeline's packages, standing in for the capture-agent event producer
// that spec.md explicitly puts out of scope: something still has to mint
// event_ids when constructing test fixtures, so this harness uses
// github.com/google/uuid the way a real producer would.
package pipelinetest

import (
	"time"

	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// NewEvent builds a well-formed synthetic Event with a fresh random
// event_id, enqueued now, for use as a test fixture.
func NewEvent(platform, sessionID string, eventType eventmodel.EventType, payload map[string]any) eventmodel.Event {
	return eventmodel.Event{
		EventID:           uuid.NewString(),
		EnqueuedAt:        time.Now(),
		Platform:          platform,
		ExternalSessionID: sessionID,
		EventType:         eventType,
		Payload:           payload,
	}
}

// NewSession generates a fresh synthetic external_session_id, for tests
// that need many independent sessions.
func NewSession() string {
	return "session-" + uuid.NewString()
}
