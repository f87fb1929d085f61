package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestDecodeStageChangedBarePayload(t *testing.T) {
	raw := []byte(`{
		"opportunity_id": "6f1c7c4e-9a51-4f6e-8d39-2b0b2a9c1f10",
		"from_stage": "discovery",
		"to_stage": "proposal",
		"amount": 100000,
		"owner_id": "0b8f7e4a-6a2d-4c57-9f1b-8f2c6f7c9d01",
		"territory_id": "3a9d4c2e-1b7f-4e8a-9c6d-5f2e1a0b7c3d",
		"period": "2024-Q3",
		"timestamp": "2024-07-01T10:00:00Z"
	}`)

	evt, err := DecodeStageChanged(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ToStage != "proposal" || !evt.Amount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("expected proposal/100000, got %s/%s", evt.ToStage, evt.Amount)
	}
	if evt.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be decoded")
	}
	if evt.FromProbability != nil {
		t.Fatalf("expected absent probability")
	}
}

func TestWrapAndDecodeEnvelope(t *testing.T) {
	evt := StageChanged{
		BaseEvent:     NewBaseEvent(),
		OpportunityID: uuid.New(),
		FromStage:     "proposal",
		ToStage:       "negotiation",
		Amount:        decimal.RequireFromString("1234.50"),
		Period:        "2024-Q4",
	}
	env, err := Wrap(evt, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.EventType != StageChangedName || env.Source != EnvelopeSource || env.Version != EnvelopeVersion {
		t.Fatalf("unexpected envelope header %+v", env)
	}

	data, _ := json.Marshal(env)
	got, err := DecodeStageChanged(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.EventID != env.EventID || got.CorrelationID != "corr-1" {
		t.Fatalf("expected envelope id and correlation to carry over, got %s/%s", got.EventID, got.CorrelationID)
	}
	if got.OpportunityID != evt.OpportunityID || !got.Amount.Equal(evt.Amount) {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestDecodeRejectsOtherEventTypes(t *testing.T) {
	env, err := Wrap(ForecastUpdated{BaseEvent: NewBaseEvent(), Period: "2024-Q1"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(env)
	if _, err := DecodeStageChanged(data); err == nil {
		t.Fatalf("expected error for forecast_updated envelope")
	}
}
