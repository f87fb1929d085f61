// Package redispub relays forecast updates between processes over Redis
// pub/sub.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
)

const DefaultChannel = "pfc:forecast_updated"

// Publisher writes enveloped ForecastUpdated events to a Redis channel and
// reads them back on the other side.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

func New(client *redis.Client, channel string, log *logger.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, log: log}
}

func (p *Publisher) Channel() string { return p.channel }

// Publish sends evt wrapped in the event envelope.
func (p *Publisher) Publish(ctx context.Context, evt events.ForecastUpdated) error {
	env, err := events.Wrap(evt, evt.CorrelationID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode forecast envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return apperr.Unavailable("publish forecast update failed", err)
	}
	return nil
}

// Subscribe calls fn for every forecast update until ctx is done. ready is
// closed once the subscription is active. Malformed messages are logged and
// skipped.
func (p *Publisher) Subscribe(ctx context.Context, ready chan<- struct{}, fn func(events.ForecastUpdated)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to forecast updates: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			evt, err := Decode([]byte(msg.Payload))
			if err != nil {
				p.log.Warn("skipping malformed forecast update", "channel", p.channel, "error", err)
				continue
			}
			fn(evt)
		}
	}
}

// Decode reads an enveloped ForecastUpdated event.
func Decode(data []byte) (events.ForecastUpdated, error) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.ForecastUpdated{}, fmt.Errorf("decode forecast envelope: %w", err)
	}
	if env.EventType != events.ForecastUpdatedName {
		return events.ForecastUpdated{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	var evt events.ForecastUpdated
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		return events.ForecastUpdated{}, fmt.Errorf("decode forecast_updated payload: %w", err)
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = env.CorrelationID
	}
	return evt, nil
}
