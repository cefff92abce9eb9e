// Package transports imports all built-in transports for auto-registration.
// Import this package to have every broker adapter registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/relayflow/transport/aws"
	_ "github.com/drblury/relayflow/transport/channel"
	_ "github.com/drblury/relayflow/transport/kafka"
	_ "github.com/drblury/relayflow/transport/nats"
	_ "github.com/drblury/relayflow/transport/rabbitmq"
)
