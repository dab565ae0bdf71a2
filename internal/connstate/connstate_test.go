package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubDelivers(t *testing.T) {
	var hub Hub
	var got []Event
	unsubscribe := hub.Subscribe(func(ev Event) { got = append(got, ev) })

	hub.Publish(Disconnected)
	hub.Publish(Connected)
	hub.Publish(Connected)
	assert.Equal(t, []Event{Disconnected, Connected, Connected}, got)
	assert.Equal(t, Connected, hub.Last())

	unsubscribe()
	hub.Publish(Disconnected)
	assert.Len(t, got, 3)
	assert.Equal(t, Disconnected, hub.Last())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "unknown", Event(0).String())
}
