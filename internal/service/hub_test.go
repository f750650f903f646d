package service

import (
	"testing"

	"sessionchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FansOutToEverySubscriber(t *testing.T) {
	hub := NewHub(4, testLogger())
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelA()
	defer cancelB()

	hub.Publish(models.Update{Kind: models.UpdatePresence, PeerID: peerID, Online: true})

	assert.Equal(t, peerID, (<-a).PeerID)
	assert.Equal(t, peerID, (<-b).PeerID)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestHub_FullSubscriberMissesUpdates(t *testing.T) {
	hub := NewHub(1, testLogger())
	slow, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(models.Update{Kind: models.UpdateTyping, ConversationID: "first"})
	hub.Publish(models.Update{Kind: models.UpdateTyping, ConversationID: "second"})

	assert.Equal(t, int64(1), hub.Dropped())
	assert.Equal(t, "first", (<-slow).ConversationID)
	select {
	case u := <-slow:
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	hub := NewHub(0, testLogger())
	ch, cancel := hub.Subscribe()

	cancel()
	assert.NotPanics(t, cancel)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())

	hub.Publish(models.Update{Kind: models.UpdateSession})
	assert.Zero(t, hub.Dropped())
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(0, testLogger())
	ch, cancel := hub.Subscribe()

	hub.Close()
	_, open := <-ch
	require.False(t, open)
	assert.NotPanics(t, cancel)
}

func TestHub_NilPublishIsNoop(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(models.Update{Kind: models.UpdateSession}) })
}
