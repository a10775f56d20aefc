package natsbus

import (
	"fmt"
	"os"
	"time"

	"github.com/mvallis/fleetgate/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Bus is the gateway's embedded NATS server. Worker pools connect to it to
// push status reports on the fleet.status.* subjects; the orchestrator and
// the websocket hub carry the events.* feed over it. JetStream persistence
// lives under the configured data dir.
type Bus struct {
	server *natsserver.Server
	port   int
}

// New starts the embedded server and blocks until it accepts connections.
func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}

	return &Bus{server: ns, port: cfg.Port}, nil
}

// ClientURL is the in-process connection URL for Client instances.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Port() int {
	return b.port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
