// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/onnwee/boxoffice/internal/gateway"
)

// Fake is a scriptable gateway.Gateway. Orders get sequential ids
// (order_1, order_2, ...). Set the *Err fields to make calls fail.
type Fake struct {
	mu sync.Mutex

	CreateOrderErr error
	LinkErr        error
	StatusErr      error
	// Secret is the only signature ParseWebhook accepts.
	Secret string

	Orders   []gateway.OrderRequest
	statuses map[string]*gateway.Event
	events   map[string]*gateway.Event // by payload
	seq      int
}

// New creates a Fake accepting webhook signature secret.
func New(secret string) *Fake {
	return &Fake{
		Secret:   secret,
		statuses: make(map[string]*gateway.Event),
		events:   make(map[string]*gateway.Event),
	}
}

func (f *Fake) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateOrderErr != nil {
		return nil, f.CreateOrderErr
	}
	f.seq++
	id := fmt.Sprintf("order_%d", f.seq)
	f.Orders = append(f.Orders, req)
	f.statuses[id] = &gateway.Event{OrderID: id, Kind: gateway.KindPending}
	return &gateway.Order{ID: id, Amount: req.Amount, Currency: "inr"}, nil
}

func (f *Fake) CreatePaymentLink(_ context.Context, orderID string) (*gateway.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LinkErr != nil {
		return nil, f.LinkErr
	}
	return &gateway.Link{OrderID: orderID, URL: "https://pay.example.test/" + orderID}, nil
}

func (f *Fake) FetchStatus(_ context.Context, orderID string) (*gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	st, ok := f.statuses[orderID]
	if !ok {
		return nil, gateway.ErrOrderNotFound
	}
	c := *st
	return &c, nil
}

// SetStatus changes what FetchStatus reports for orderID.
func (f *Fake) SetStatus(orderID string, kind gateway.Kind, paymentID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[orderID] = &gateway.Event{
		OrderID: orderID, PaymentID: paymentID, Kind: kind, FailureReason: reason,
	}
}

// Deliver registers ev under payload so that ParseWebhook(payload, f.Secret)
// returns it.
func (f *Fake) Deliver(payload string, ev gateway.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[payload] = &ev
}

func (f *Fake) ParseWebhook(payload []byte, signature string) (*gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if signature != f.Secret {
		return nil, gateway.ErrInvalidSignature
	}
	ev, ok := f.events[string(payload)]
	if !ok {
		return nil, gateway.ErrMalformedEvent
	}
	c := *ev
	return &c, nil
}
