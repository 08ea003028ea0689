// Package http carries bus messages as plain HTTP requests: the subscriber
// runs a server accepting POST /{topic}, the publisher posts to
// HTTPPublisherURL/{topic}.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/transport"
)

// TransportName selects this bus in PubSubSystem.
const TransportName = "http"

// DefaultServerAddress is used when HTTPServerAddress is empty.
const DefaultServerAddress = ":8081"

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the bus to the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

// Build creates the HTTP bus and starts the subscriber's server in the
// background.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		serverAddr = DefaultServerAddress
	}
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP bus server stopped", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// TopicURL joins the publisher base URL and a topic with exactly one slash.
func TopicURL(base, topic string) string {
	if base == "" {
		return "/" + strings.TrimPrefix(topic, "/")
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}
