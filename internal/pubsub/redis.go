// Package pubsub relays generated candles and chaos changes between
// processes over Redis Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ChannelCandles = "chaos:candles"
	ChannelControl = "chaos:control"
)

// envelope tags each message with the sending instance so a process can
// ignore its own broadcasts.
type envelope struct {
	Origin  string          `json:"origin"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Relay publishes local updates to Redis and replays remote ones into the
// local event bus and chaos controller. Remote chaos changes reach the bus
// through the ChaosForwarder watching the controller.
type Relay struct {
	client *redis.Client
	origin string
	bus    *events.EventBus
	ctrl   *chaos.Controller
	logger zerolog.Logger
}

// NewRelay creates a relay. origin identifies this process, normally the
// leader elector's instance ID.
func NewRelay(client *redis.Client, origin string, bus *events.EventBus, ctrl *chaos.Controller, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		origin: origin,
		bus:    bus,
		ctrl:   ctrl,
		logger: logger.With().Str("component", "RedisRelay").Logger(),
	}
}

func (r *Relay) publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", channel, err)
	}
	data, err := json.Marshal(envelope{Origin: r.origin, SentAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", channel, err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PublishCandle broadcasts a generated candle to the other processes.
func (r *Relay) PublishCandle(ctx context.Context, update events.CandleUpdate) error {
	return r.publish(ctx, ChannelCandles, update)
}

// PublishChaos broadcasts a chaos setting change to the other processes.
func (r *Relay) PublishChaos(ctx context.Context, change chaos.Change) error {
	return r.publish(ctx, ChannelControl, change)
}

// Run subscribes to both channels until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	sub := r.client.Subscribe(ctx, ChannelCandles, ChannelControl)
	defer sub.Close()

	r.logger.Info().Strs("channels", []string{ChannelCandles, ChannelControl}).Msg("Subscribed to relay channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn().Msg("Relay subscription closed")
				return
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

// handle decodes one message and applies it locally. Messages sent by this
// process are skipped since they were already applied when published.
func (r *Relay) handle(channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("Dropped malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}

	switch channel {
	case ChannelCandles:
		var update events.CandleUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			r.logger.Warn().Err(err).Msg("Dropped malformed candle")
			return
		}
		if r.bus != nil {
			r.bus.PublishCandle(update)
		}
	case ChannelControl:
		var change chaos.Change
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			r.logger.Warn().Err(err).Msg("Dropped malformed chaos change")
			return
		}
		change.Remote = true
		if r.ctrl != nil {
			r.ctrl.Apply(change)
		}
	default:
		r.logger.Debug().Str("channel", channel).Msg("Ignored message on unknown channel")
	}
}
