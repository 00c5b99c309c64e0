package events

import (
	"testing"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess1", 10)
	defer b.Unsubscribe("sess1", ch)

	b.Publish(types.Event{SessionID: "sess1", Type: types.EventRequestPending})
	got := recv(t, ch)
	assert.Equal(t, types.EventRequestPending, got.Type)
}

func TestBrokerSessionIsolation(t *testing.T) {
	b := NewBroker(nil)
	mine := b.Subscribe("sess1", 10)
	other := b.Subscribe("sess2", 10)
	all := b.Subscribe(AllSessions, 10)

	b.Publish(types.Event{SessionID: "sess1", Type: types.EventRequestPending})
	b.Publish(types.Event{Type: types.EventPolicyUpdated})

	assert.Equal(t, types.EventRequestPending, recv(t, mine).Type)
	assert.Empty(t, other)
	assert.Equal(t, types.EventRequestPending, recv(t, all).Type)
	assert.Equal(t, types.EventPolicyUpdated, recv(t, all).Type)
	assert.Empty(t, all, "global events are delivered once")
	assert.Equal(t, 3, b.Subscribers())
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess1", 1)
	defer b.Unsubscribe("sess1", ch)

	ev := types.Event{SessionID: "sess1", Type: "test"}
	b.Publish(ev)
	b.Publish(ev)

	assert.Len(t, ch, 1)
	assert.EqualValues(t, 1, b.DroppedCount())
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess1", 1)
	b.Unsubscribe("sess1", ch)
	b.Unsubscribe("sess1", ch)

	_, ok := <-ch
	require.False(t, ok)
	assert.Zero(t, b.Subscribers())
}
