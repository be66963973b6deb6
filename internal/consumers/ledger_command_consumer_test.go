package consumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/settlement"
	"marketsim/pkg/errors"
)

type fakeLedger struct {
	mu       sync.Mutex
	upserted map[string]settlement.Obligation
	removed  []string
	missing  bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{upserted: map[string]settlement.Obligation{}}
}

func (l *fakeLedger) Upsert(ctx context.Context, id, subject string, obligation settlement.Obligation) (*settlement.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upserted[id] = obligation
	return &settlement.Entry{ID: id, Subject: subject, Obligation: obligation}, nil
}

func (l *fakeLedger) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.missing {
		return errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	l.removed = append(l.removed, id)
	return nil
}

type sliceReader struct {
	msgs   []kafka.Message
	closed bool
}

func (r *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

const loanUpsert = `{
	"op": "upsert",
	"identification_code": "acc-1:loan_repayment:1",
	"subject": "acc-1",
	"command": {
		"kind": "loan_repayment",
		"payload": {"loan_id": "6f1c1a4e-5d43-4a43-9c1b-2d1f9a0e4b11", "amount_due": "440", "due_at": "2024-03-08T00:00:00Z"}
	}
}`

func TestLedgerCommandConsumer_Handle(t *testing.T) {
	ledger := newFakeLedger()
	c := NewLedgerCommandConsumer(&sliceReader{}, ledger, "settlement.commands")
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, kafka.Message{Value: []byte(loanUpsert)}))
	loan, ok := ledger.upserted["acc-1:loan_repayment:1"].(settlement.LoanRepayment)
	require.True(t, ok)
	assert.Equal(t, "440", loan.AmountDue.String())

	require.NoError(t, c.Handle(ctx, kafka.Message{Value: []byte(`{"op":"remove","identification_code":"x"}`)}))
	assert.Equal(t, []string{"x"}, ledger.removed)
}

func TestLedgerCommandConsumer_HandleRejects(t *testing.T) {
	c := NewLedgerCommandConsumer(&sliceReader{}, newFakeLedger(), "settlement.commands")
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{`, errors.ErrInvalidInput},
		{"missing id", `{"op":"remove"}`, errors.ErrInvalidInput},
		{"unknown op", `{"op":"pause","identification_code":"x"}`, errors.ErrInvalidInput},
		{"unknown kind", `{"op":"upsert","identification_code":"x","command":{"kind":"teleport"}}`, errors.ErrUnknownObligation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Handle(ctx, kafka.Message{Value: []byte(tt.body)})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLedgerCommandConsumer_RemoveMissingIsNoop(t *testing.T) {
	ledger := newFakeLedger()
	ledger.missing = true
	c := NewLedgerCommandConsumer(&sliceReader{}, ledger, "settlement.commands")

	assert.NoError(t, c.Handle(context.Background(), kafka.Message{Value: []byte(`{"op":"remove","identification_code":"gone"}`)}))
}

func TestLedgerCommandConsumer_StartDrainsAndCloses(t *testing.T) {
	ledger := newFakeLedger()
	reader := &sliceReader{msgs: []kafka.Message{
		{Value: []byte(`garbage`)},
		{Value: []byte(loanUpsert)},
	}}
	c := NewLedgerCommandConsumer(reader, ledger, "settlement.commands")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	assert.Eventually(t, func() bool {
		ledger.mu.Lock()
		defer ledger.mu.Unlock()
		return len(ledger.upserted) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)
}
