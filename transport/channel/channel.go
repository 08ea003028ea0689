// Package channel is the in-process bus: one gochannel pub/sub shared by
// the consumer and the bus endpoints. It is the default for local runs and
// tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/relayflow/transport"
)

// TransportName selects this bus in PubSubSystem.
const TransportName = "channel"

// DefaultConfig buffers deliveries so a slow consumer does not stall the
// delivery engine's publishes.
var DefaultConfig = gochannel.Config{OutputChannelBuffer: 64}

// Factory creates the shared pub/sub. Tests replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the bus to the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

// Build creates the in-process bus. cfg is unused.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}
