// Package nats is the NATS Core bus. Replicas of the mediator share a queue
// group so each inbound event is processed once.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/relayflow/transport"
)

// TransportName selects this bus in PubSubSystem.
const TransportName = "nats"

// QueueGroup is the queue group prefix shared by mediator replicas.
const QueueGroup = "relayflow"

// ErrURLRequired is returned when NATSURL is empty.
var ErrURLRequired = errors.New("relayflow: nats url is required")

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the bus to the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

func connectOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("relayflow"),
		natsgo.MaxReconnects(-1),
	}
}

// Build connects to the NATS server at cfg.GetNATSURL().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrURLRequired
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: connectOptions(),
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: QueueGroup,
		NatsOptions:      connectOptions(),
		Unmarshaler:      marshaler,
		JetStream:        core,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
