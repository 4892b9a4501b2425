package health

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// statusConn is the part of *nats.Conn the checker reads.
type statusConn interface {
	Status() nats.Status
}

// NATSChecker reports the event bus connection state. A reconnecting client
// is unhealthy: published lifecycle events are dropped until it recovers.
type NATSChecker struct {
	conn statusConn
}

// NewNATSChecker creates a checker for conn.
func NewNATSChecker(conn statusConn) *NATSChecker {
	return &NATSChecker{conn: conn}
}

// HealthCheck returns an error unless the connection is CONNECTED.
func (n *NATSChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st := n.conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", st)
	}
	return nil
}
