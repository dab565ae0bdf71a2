// Package mongox owns the MongoDB client shared by the mongo registry and
// chunk store, and turns driver heartbeats into connection events.
package mongox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/lockbox/lockbox/internal/connstate"
)

// Monitor tracks heartbeat results per server and publishes Connected when
// the first server becomes reachable and Disconnected when the last one
// stops answering.
type Monitor struct {
	hub    *connstate.Hub
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]bool
	up      bool
	known   bool
}

// NewMonitor creates a Monitor publishing to hub.
func NewMonitor(hub *connstate.Hub, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{hub: hub, logger: logger, servers: make(map[string]bool)}
}

// ServerMonitor returns the driver hook to install on the client options.
func (m *Monitor) ServerMonitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatSucceeded: func(ev *event.ServerHeartbeatSucceededEvent) {
			m.observe(serverAddress(ev.ConnectionID), true)
		},
		ServerHeartbeatFailed: func(ev *event.ServerHeartbeatFailedEvent) {
			m.logger.Debug("MongoDB heartbeat failed", "connection", ev.ConnectionID, "error", ev.Failure)
			m.observe(serverAddress(ev.ConnectionID), false)
		},
	}
}

func (m *Monitor) observe(server string, healthy bool) {
	m.mu.Lock()
	m.servers[server] = healthy
	up := false
	for _, ok := range m.servers {
		if ok {
			up = true
			break
		}
	}
	changed := !m.known || up != m.up
	m.up, m.known = up, true
	m.mu.Unlock()

	if !changed || m.hub == nil {
		return
	}
	if up {
		m.logger.Info("MongoDB connected")
		m.hub.Publish(connstate.Connected)
	} else {
		m.logger.Warn("MongoDB disconnected")
		m.hub.Publish(connstate.Disconnected)
	}
}

// serverAddress strips the connection counter from a driver connection id
// such as "localhost:27017[-4]".
func serverAddress(connectionID string) string {
	if i := strings.LastIndex(connectionID, "["); i > 0 {
		return connectionID[:i]
	}
	return connectionID
}

// Connect dials MongoDB, installs the heartbeat monitor when one is given,
// and pings the primary before returning.
func Connect(ctx context.Context, uri string, timeout time.Duration, monitor *Monitor) (*mongo.Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if monitor != nil {
		opts.SetServerMonitor(monitor.ServerMonitor())
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}
	return client, nil
}

// Ping checks the primary is reachable.
func Ping(ctx context.Context, client *mongo.Client) error {
	return client.Ping(ctx, readpref.Primary())
}

// IsUnavailable reports whether err indicates the deployment cannot be
// reached, as opposed to a failed operation.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mongo.ErrClientDisconnected) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "server selection error")
}
