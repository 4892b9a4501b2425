package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subject = subject
	f.data = data
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := NewNATSPublisher(fc, nil)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	err := p.Publish(context.Background(), SubjectPaymentSucceeded, PaymentEvent{OrderID: "cs_1", Status: "SUCCESS", TicketCount: 2})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fc.subject != SubjectPaymentSucceeded {
		t.Errorf("subject = %q", fc.subject)
	}

	var got struct {
		Subject    string       `json:"subject"`
		OccurredAt time.Time    `json:"occurred_at"`
		Data       PaymentEvent `json:"data"`
	}
	if err := json.Unmarshal(fc.data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.OccurredAt.Equal(fixed) {
		t.Errorf("occurred_at = %v", got.OccurredAt)
	}
	if got.Data.OrderID != "cs_1" || got.Data.TicketCount != 2 {
		t.Errorf("data = %+v", got.Data)
	}
}

func TestNATSPublisher_Errors(t *testing.T) {
	p := NewNATSPublisher(nil, nil)
	if err := p.Publish(context.Background(), SubjectOrderCreated, nil); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}

	p = NewNATSPublisher(&fakeConn{err: nats.ErrMaxPayload}, nil)
	if err := p.Publish(context.Background(), SubjectOrderCreated, nil); !errors.Is(err, nats.ErrMaxPayload) {
		t.Errorf("expected wrapped ErrMaxPayload, got %v", err)
	}

	p = NewNATSPublisher(&fakeConn{}, nil)
	if err := p.Publish(context.Background(), SubjectOrderCreated, make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), SubjectOrderCreated, nil)
	_ = r.Publish(context.Background(), SubjectPaymentFailed, nil)
	got := r.Subjects()
	if len(got) != 2 || got[0] != SubjectOrderCreated || got[1] != SubjectPaymentFailed {
		t.Errorf("subjects = %v", got)
	}
}
