// Package transport connects the mediator to its configured event bus.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/relayflow/internal/runtime/config"
	bus "github.com/drblury/relayflow/transport"

	_ "github.com/drblury/relayflow/transport/transports"
)

// Transport is one bus connection.
type Transport = bus.Transport

// Factory connects the bus a config selects.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds from the default bus registry, which has every
// built-in bus registered.
func DefaultFactory() Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
		if conf == nil {
			return Transport{}, bus.ErrConfigRequired
		}
		return bus.Build(ctx, conf, logger)
	})
}

// Static always returns tr. Embedders use it to hand the mediator an
// existing pub/sub.
func Static(tr Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
		return tr, nil
	})
}
