// Package natsserver runs an embedded JetStream-enabled NATS server, for
// deployments that should not depend on an external bus.
package natsserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	// DefaultHost binds every interface; embedded deployments usually sit
	// behind their own network boundary.
	DefaultHost = "0.0.0.0"

	readyTimeout = 5 * time.Second

	logStarted  = "Embedded NATS server listening on %s (store %s)"
	logStopping = "Stopping embedded NATS server"
)

// ErrNotReady means the server did not accept connections within the
// startup budget.
var ErrNotReady = errors.New("embedded NATS server not ready in time")

// Config shapes the embedded server. A negative Port picks a random free
// port; StoreDir holds the JetStream file storage.
type Config struct {
	Host     string
	Port     int
	StoreDir string
}

// Server wraps one running embedded NATS instance.
type Server struct {
	ns  *server.Server
	log *logger.Logger
}

// Start boots the server and waits until it accepts connections.
func Start(cfg Config, log *logger.Logger) (*Server, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}

	opts := &server.Options{
		Host:      host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()

		return nil, ErrNotReady
	}

	log.Info(logStarted, ns.ClientURL(), cfg.StoreDir)

	return &Server{ns: ns, log: log}, nil
}

// ClientURL returns the URL local clients should dial.
func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

// Shutdown stops the server and waits for it to wind down.
func (s *Server) Shutdown() {
	if s == nil || s.ns == nil {
		return
	}

	s.log.Info(logStopping)
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
