package natsbus

import (
	"fmt"
	"net"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"klonos/internal/config"
)

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: "klonos",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// AgentNATSURL returns the URL agent containers use to reach the
// embedded server. Containers resolve the docker host gateway, not
// localhost, so the manager adds a host-gateway alias for it.
func (b *Bus) AgentNATSURL() string {
	port := b.cfg.Port
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return fmt.Sprintf("nats://host.docker.internal:%d", port)
}

// NumClients reports connected clients, used to detect when a freshly
// started agent container has come online.
func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
