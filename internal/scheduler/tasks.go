package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"pipeline_forecast_backend/internal/events"
)

const TaskStageChanged = events.StageChangedName

const TaskReconcile = "pipeline.reconcile"

type ReconcilePayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewStageChangedTask wraps evt in the event envelope. The event id doubles
// as the task id so a redelivered event is enqueued once.
func NewStageChangedTask(evt events.StageChanged) (*asynq.Task, error) {
	env, err := events.Wrap(evt, evt.CorrelationID)
	if err != nil {
		return nil, err
	}
	env.EventID = evt.EventID
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStageChanged, data), nil
}

func ParseStageChangedPayload(task *asynq.Task) (events.StageChanged, error) {
	return events.DecodeStageChanged(task.Payload())
}

func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, data), nil
}

func ParseReconcilePayload(task *asynq.Task) (ReconcilePayload, error) {
	var payload ReconcilePayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReconcilePayload{}, fmt.Errorf("decode reconcile payload: %w", err)
	}
	return payload, nil
}
