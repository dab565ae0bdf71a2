package mongox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lockbox/lockbox/internal/connstate"
)

func TestMonitorPublishesTransitions(t *testing.T) {
	var hub connstate.Hub
	var got []connstate.Event
	hub.Subscribe(func(ev connstate.Event) { got = append(got, ev) })

	sm := NewMonitor(&hub, nil).ServerMonitor()
	ok := func(id string) { sm.ServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{ConnectionID: id}) }
	fail := func(id string) {
		sm.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{ConnectionID: id, Failure: errors.New("timeout")})
	}

	ok("db1:27017[-1]")
	ok("db1:27017[-1]")
	ok("db2:27017[-2]")
	fail("db1:27017[-3]")
	fail("db2:27017[-4]")
	fail("db2:27017[-5]")
	ok("db2:27017[-6]")

	assert.Equal(t, []connstate.Event{
		connstate.Connected,
		connstate.Disconnected,
		connstate.Connected,
	}, got)
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "localhost:27017", serverAddress("localhost:27017[-12]"))
	assert.Equal(t, "localhost:27017", serverAddress("localhost:27017"))
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.True(t, IsUnavailable(mongo.ErrClientDisconnected))
	assert.True(t, IsUnavailable(errors.New("server selection error: context deadline exceeded")))
	assert.False(t, IsUnavailable(mongo.ErrNoDocuments))
}
