package events

import (
	"context"
	"time"

	"marketsim/internal/adapters/kafka"
	"marketsim/internal/domain/market"
	"marketsim/internal/domain/settlement"
	"marketsim/internal/metrics"
	"marketsim/internal/services/expiration"
	"marketsim/pkg/logger"
)

// Sink is the transport the publisher writes to; *kafka.Producer satisfies it
type Sink interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// TickEvent summarizes one completed hourly tick
type TickEvent struct {
	BaseEvent
	BucketStart  time.Time                 `json:"bucket_start"`
	InterestRate float64                   `json:"interest_rate"`
	Closes       map[market.Ticker]float64 `json:"closes"`
}

// ExpirationEvent announces a weekly futures or options expiration
type ExpirationEvent struct {
	BaseEvent
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// SettlementEvent reports the outcome of one settlement handler run
type SettlementEvent struct {
	BaseEvent
	EntryID string `json:"entry_id"`
	Kind    string `json:"kind"`
	Amount  string `json:"amount,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Publisher publishes market and settlement events to Kafka
type Publisher struct {
	sink Sink
	log  *logger.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(sink Sink, log *logger.Logger) *Publisher {
	return &Publisher{
		sink: sink,
		log:  log,
	}
}

// PublishTick publishes the closing prices of a completed tick
func (p *Publisher) PublishTick(ctx context.Context, start time.Time, rate float64, closes map[market.Ticker]float64) error {
	event := TickEvent{
		BaseEvent:    NewBaseEvent(kafka.TopicMarketTick, "market_engine", ""),
		BucketStart:  start,
		InterestRate: rate,
		Closes:       closes,
	}
	return p.publish(ctx, kafka.TopicMarketTick, start.Format(time.RFC3339), event)
}

// Name implements expiration.Subscriber
func (p *Publisher) Name() string { return "event_publisher" }

// OnExpiration publishes the expiration so downstream consumers can react independently
func (p *Publisher) OnExpiration(ctx context.Context, e expiration.Event) error {
	event := ExpirationEvent{
		BaseEvent: NewBaseEvent(kafka.TopicMarketExpiration, "expiration_clock", ""),
		Kind:      string(e.Kind),
		At:        e.At,
	}
	return p.publish(ctx, kafka.TopicMarketExpiration, string(e.Kind), event)
}

// PublishSettled publishes a discharged obligation
func (p *Publisher) PublishSettled(ctx context.Context, result settlement.Result) error {
	event := SettlementEvent{
		BaseEvent: NewBaseEvent(kafka.TopicSettlementDischarged, "settlement_scheduler", result.Subject),
		EntryID:   result.EntryID,
		Kind:      result.Kind.String(),
		Amount:    result.Amount,
	}
	return p.publish(ctx, kafka.TopicSettlementDischarged, result.Subject, event)
}

// PublishSettlementFailed publishes a handler failure; the entry stays in the ledger
func (p *Publisher) PublishSettlementFailed(ctx context.Context, entry settlement.Entry, cause error) error {
	event := SettlementEvent{
		BaseEvent: NewBaseEvent(kafka.TopicSettlementFailed, "settlement_scheduler", entry.Subject),
		EntryID:   entry.ID,
		Kind:      entry.Kind().String(),
		Error:     SanitizeUTF8(cause.Error()),
	}
	return p.publish(ctx, kafka.TopicSettlementFailed, entry.Subject, event)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, event interface{}) error {
	err := p.sink.Publish(ctx, topic, key, event)
	metrics.RecordKafkaMessage(topic, "publish", err)
	if err != nil {
		p.log.Warnw("Event not published", "topic", topic, "key", key, "error", err)
	}
	return err
}

var _ expiration.Subscriber = (*Publisher)(nil)
