package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Volpestyle/career-agent-sub001/internal/recorder"
)

func TestPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: bad json", ErrMalformed), true},
		{fmt.Errorf("%w: bad type", recorder.ErrInvalid), true},
		{errors.New("database is locked"), false},
	}
	for _, tt := range tests {
		if got := permanent(tt.err); got != tt.want {
			t.Errorf("permanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// recordingAcker captures how a delivery was settled.
type recordingAcker struct {
	acks    int
	nacks   int
	rejects int
	tag     uint64
	requeue bool
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.acks++
	a.tag = tag
	return nil
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.tag = tag
	a.requeue = requeue
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	a.rejects++
	return nil
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{"success", nil, true, false},
		{"malformed", fmt.Errorf("%w: bad json", ErrMalformed), false, false},
		{"invalid", fmt.Errorf("%w: unknown type", recorder.ErrInvalid), false, false},
		{"transient", errors.New("database is locked"), false, true},
	}
	c := &Consumer{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acker := &recordingAcker{}
			c.settle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, RoutingKey: "sessions.s1"}, tt.err)

			if acker.rejects != 0 {
				t.Errorf("unexpected Reject")
			}
			if tt.wantAck {
				if acker.acks != 1 || acker.nacks != 0 {
					t.Fatalf("expected one Ack, got acks=%d nacks=%d", acker.acks, acker.nacks)
				}
			} else {
				if acker.nacks != 1 || acker.acks != 0 {
					t.Fatalf("expected one Nack, got acks=%d nacks=%d", acker.acks, acker.nacks)
				}
				if acker.requeue != tt.wantRequeue {
					t.Errorf("requeue: got %v want %v", acker.requeue, tt.wantRequeue)
				}
			}
			if acker.tag != 7 {
				t.Errorf("delivery tag: got %d want 7", acker.tag)
			}
		})
	}
}
