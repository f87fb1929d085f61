package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EnvelopeSource  = "pipeline-forecast"
	EnvelopeVersion = "1.0"
)

// Envelope is the wire wrapper for events leaving or entering the service.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Wrap encodes evt into an envelope.
func Wrap(evt Event, correlationID string) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", evt.EventName(), err)
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     evt.EventName(),
		Timestamp:     evt.OccurredAt(),
		Source:        EnvelopeSource,
		Version:       EnvelopeVersion,
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}

// DecodeStageChanged accepts either an enveloped or a bare stage_changed
// payload.
func DecodeStageChanged(data []byte) (StageChanged, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.EventType != "" && len(env.Payload) > 0 {
		if env.EventType != StageChangedName {
			return StageChanged{}, fmt.Errorf("unexpected event type %q", env.EventType)
		}
		var evt StageChanged
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return StageChanged{}, fmt.Errorf("decode stage_changed payload: %w", err)
		}
		if evt.EventID == uuid.Nil {
			evt.EventID = env.EventID
		}
		if evt.CorrelationID == "" {
			evt.CorrelationID = env.CorrelationID
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = env.Timestamp
		}
		return evt, nil
	}

	var evt StageChanged
	if err := json.Unmarshal(data, &evt); err != nil {
		return StageChanged{}, fmt.Errorf("decode stage_changed: %w", err)
	}
	return evt, nil
}
