package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "realtime.channel."

func Subject(channelID int64) string {
	return subjectPrefix + strconv.FormatInt(channelID, 10)
}

// NATSBus carries events between processes. Producers publish to the
// bus; every gateway process bridges the bus into its local Hub.
type NATSBus struct {
	nc  *nats.Conn
	log *slog.Logger
}

func NewNATSBus(nc *nats.Conn, log *slog.Logger) *NATSBus {
	if log == nil {
		log = slog.Default()
	}
	return &NATSBus{nc: nc, log: log.With("component", "realtime_bus")}
}

func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Event, err)
	}
	if err := b.nc.Publish(Subject(ev.ChannelID), data); err != nil {
		return fmt.Errorf("publish %s to nats: %w", ev.Event, err)
	}
	return nil
}

// Bridge feeds every channel event on the bus into local.
func (b *NATSBus) Bridge(local Publisher) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("dropping malformed bus event", "subject", msg.Subject, "error", err)
			return
		}
		if err := local.Publish(context.Background(), ev); err != nil {
			b.log.Warn("local publish failed", "event", ev.Event, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s*: %w", subjectPrefix, err)
	}
	return sub, nil
}
