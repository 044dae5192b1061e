package mq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(_ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func TestSettle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "handled", err: nil, wantAck: true},
		{name: "permanent", err: fmt.Errorf("%w: bad json", ErrDrop)},
		{name: "transient", err: errors.New("db down"), wantRequeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &ackRecorder{}
			var gotKey string
			h := HandlerFunc(func(_ context.Context, key string, _ []byte) error {
				gotKey = key
				return tt.err
			})

			Settle(context.Background(), logger, h, rec, "payment.paid", []byte(`{}`))

			assert.Equal(t, "payment.paid", gotKey)
			assert.Equal(t, tt.wantAck, rec.acked)
			assert.Equal(t, !tt.wantAck, rec.nacked)
			assert.Equal(t, tt.wantRequeue, rec.requeue)
		})
	}
}
