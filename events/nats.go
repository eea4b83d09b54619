package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSPublisher bridges core events onto NATS subjects for deployments
// whose downstream consumers live on a NATS backbone. Channel names map
// to subjects by replacing ':' with the subject separator, so
// "ao:events:agent:x" publishes to "ao.events.agent.x".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher creates a bridge publisher over an established
// connection. The connection's lifecycle belongs to the caller.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: normalizePrefix(prefix)}
}

// Publish fans the event out to the subject of each channel it
// addresses.
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	for _, channel := range event.Channels(p.prefix) {
		if err := p.conn.Publish(subjectFor(channel), data); err != nil {
			return fmt.Errorf("publish to %s: %w", subjectFor(channel), err)
		}
	}
	return nil
}

func subjectFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
