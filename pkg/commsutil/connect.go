// Package commsutil provides COMMS connection helpers, subjects and payload codecs.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Token authenticates against servers started with a token.
	Token string
	// Timeout bounds the initial dial. Zero means 10s.
	Timeout time.Duration
	// MaxReconnects < 0 reconnects forever. Zero means 60.
	MaxReconnects int
	// OnStatus is told about disconnects ("disconnected"), reconnects
	// ("connected") and the final close ("closed").
	OnStatus func(status string)
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string, opts ConnectOptions) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}
	notify := func(status string) {
		if opts.OnStatus != nil {
			opts.OnStatus(status)
		}
	}

	options := []comms.Option{
		comms.Name(name),
		comms.Timeout(timeout),
		comms.ReconnectWait(2 * time.Second),
		comms.MaxReconnects(maxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			notify("disconnected")
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			notify("connected")
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
			notify("closed")
		}),
	}
	if opts.Token != "" {
		options = append(options, comms.Token(opts.Token))
	}

	nc, err := comms.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
