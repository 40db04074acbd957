package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ErrServerNotReady is returned when an embedded server does not accept
// connections in time.
var ErrServerNotReady = errors.New("embedded NATS server not ready")

// ServerOptions configures an in-process NATS server.
type ServerOptions struct {
	// Host to bind, "127.0.0.1" when empty.
	Host string
	// Port to bind; -1 picks a random free port.
	Port int
	// StoreDir holds JetStream data. JetStream is always enabled.
	StoreDir string
	// ReadyTimeout bounds the wait for the server to accept connections.
	ReadyTimeout time.Duration
	// Log enables the server's own logging to stderr.
	Log bool
}

// StartServer runs an in-process NATS server with JetStream enabled and
// waits until it accepts connections.
//
// Parameters:
//   - opts: Bind address, storage and readiness settings
//
// Returns:
//   - *server.Server: The running server; callers own Shutdown
//   - error: Server creation failure or ErrServerNotReady
func StartServer(opts ServerOptions) (*server.Server, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}

	ns, err := server.NewServer(&server.Options{
		Host:      opts.Host,
		Port:      opts.Port,
		JetStream: true,
		StoreDir:  opts.StoreDir,
		NoLog:     !opts.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	if opts.Log {
		ns.ConfigureLogger()
	}

	go ns.Start()

	if !ns.ReadyForConnections(opts.ReadyTimeout) {
		ns.Shutdown()
		return nil, ErrServerNotReady
	}

	return ns, nil
}
