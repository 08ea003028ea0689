// Package transports registers every built-in bus with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/relayflow/transport/aws"
	_ "github.com/drblury/relayflow/transport/channel"
	_ "github.com/drblury/relayflow/transport/http"
	_ "github.com/drblury/relayflow/transport/io"
	_ "github.com/drblury/relayflow/transport/kafka"
	_ "github.com/drblury/relayflow/transport/nats"
	_ "github.com/drblury/relayflow/transport/rabbitmq"
)
