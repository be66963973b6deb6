package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"marketsim/internal/domain/settlement"
	"marketsim/internal/metrics"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// MessageReader is the read side of a Kafka consumer
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Ledger accepts schedule changes
type Ledger interface {
	Upsert(ctx context.Context, id, subject string, obligation settlement.Obligation) (*settlement.Entry, error)
	Remove(ctx context.Context, id string) error
}

// LedgerOp is the operation a ledger command requests
type LedgerOp string

const (
	LedgerOpUpsert LedgerOp = "upsert"
	LedgerOpRemove LedgerOp = "remove"
)

// LedgerCommand is the wire form of one inbound schedule change.
// Command uses the same {"kind", "payload"} envelope the ledger stores.
type LedgerCommand struct {
	Op      LedgerOp        `json:"op"`
	ID      string          `json:"identification_code"`
	Subject string          `json:"subject"`
	Command json.RawMessage `json:"command,omitempty"`
}

// LedgerCommandConsumer applies schedule changes published by the command layer
type LedgerCommandConsumer struct {
	reader  MessageReader
	ledger  Ledger
	topic   string
	timeout time.Duration
	log     *logger.Logger
}

// NewLedgerCommandConsumer creates a new ledger command consumer
func NewLedgerCommandConsumer(reader MessageReader, ledger Ledger, topic string) *LedgerCommandConsumer {
	return &LedgerCommandConsumer{
		reader:  reader,
		ledger:  ledger,
		topic:   topic,
		timeout: 10 * time.Second,
		log:     logger.Get().With("component", "ledger_command_consumer"),
	}
}

// Start consumes until ctx is cancelled. Bad messages are logged and skipped.
func (c *LedgerCommandConsumer) Start(ctx context.Context) error {
	c.log.Infow("Starting ledger command consumer", "topic", c.topic)

	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warnw("Failed to close ledger command reader", "error", err)
		}
	}()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Ledger command consumer stopping")
				return nil
			}
			c.log.Debugw("Failed to read ledger command", "error", err)
			continue
		}

		processCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err = c.Handle(processCtx, msg)
		cancel()

		metrics.RecordKafkaMessage(c.topic, "consume", err)
		if err != nil {
			c.log.Errorw("Failed to apply ledger command",
				"key", string(msg.Key),
				"offset", msg.Offset,
				"error", err,
			)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Handle decodes and applies a single message
func (c *LedgerCommandConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var cmd LedgerCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return errors.Join(errors.ErrInvalidInput, err)
	}
	if cmd.ID == "" {
		return errors.NewValidationError("identification_code", "required", nil)
	}

	switch cmd.Op {
	case LedgerOpUpsert:
		obligation, err := settlement.DecodeObligation(cmd.Command)
		if err != nil {
			return err
		}
		entry, err := c.ledger.Upsert(ctx, cmd.ID, cmd.Subject, obligation)
		if err != nil {
			return err
		}
		c.log.Debugw("Ledger entry upserted", "id", entry.ID, "kind", entry.Kind())
		return nil

	case LedgerOpRemove:
		err := c.ledger.Remove(ctx, cmd.ID)
		if errors.Is(err, errors.ErrNotFound) {
			// already discharged or never scheduled
			return nil
		}
		return err

	default:
		return errors.NewValidationError("op", "must be upsert or remove", cmd.Op)
	}
}
