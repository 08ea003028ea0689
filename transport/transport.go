// Package transport defines the pluggable event bus the mediator consumes
// inbound events from and publishes "bus" endpoint deliveries to. Each bus
// lives in its own sub-package and registers a Builder under the name the
// PubSubSystem setting selects.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport pairs the publisher and subscriber of one bus connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close shuts down both halves. When the two share one pub/sub value it is
// closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameValue(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameValue(pub message.Publisher, sub message.Subscriber) bool {
	if pub == nil {
		return false
	}
	s, ok := any(sub).(message.Publisher)
	return ok && s == pub
}

// Builder creates a bus connection from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings bus builders read. The mediator's config type
// satisfies it; tests use transporttest.Config.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
