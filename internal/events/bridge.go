package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bridge re-publishes bus events to NATS subjects named after the event
// type ("sms.sent", "queue.maintenance", ...) so external consumers can
// observe the pipeline. It is an observer only: pipeline correctness never
// depends on NATS being reachable.
type Bridge struct {
	conn   *nats.Conn
	logger *zap.Logger
	sub    *Subscription
}

func NewBridge(natsURL string, logger *zap.Logger) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("SMS Gateway Events"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &Bridge{conn: conn, logger: logger}, nil
}

// Attach subscribes the bridge to the bus. Marshal or publish failures are
// logged and the event is dropped; the bus never sees them.
func (br *Bridge) Attach(bus *Bus) {
	br.sub = bus.Subscribe("nats-bridge", func(ev Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			br.logger.Error("failed to marshal event", zap.Error(err))
			return
		}
		if err := br.conn.Publish(string(ev.Type), data); err != nil {
			br.logger.Error("failed to publish event to NATS",
				zap.String("subject", string(ev.Type)), zap.Error(err))
		}
	})
}

func (br *Bridge) Detach(bus *Bus) {
	if br.sub != nil {
		bus.Unsubscribe(br.sub)
		br.sub = nil
	}
}

func (br *Bridge) Close() error {
	br.conn.Close()
	return nil
}
