package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS publishes each event on "<prefix>.<type>".
type NATS struct {
	nc     *nats.Conn
	prefix string
}

func NewNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("chatsyncd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (n *NATS) Subject(e Event) string {
	if n.prefix == "" {
		return e.Type
	}
	return n.prefix + "." + e.Type
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(e), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", e.Type, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
