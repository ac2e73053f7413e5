package rtc

import (
	"testing"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
	"github.com/stretchr/testify/assert"
)

func TestRegistryAdmission(t *testing.T) {
	t.Run("join index equals the active peer count at admission", func(t *testing.T) {
		registry := NewRegistry()

		first, err := registry.AddParticipant(core.PeerID("peer-1"))
		assert.Nil(t, err)
		assert.Equal(t, 0, first.JoinIndex)

		second, err := registry.AddParticipant(core.PeerID("peer-2"))
		assert.Nil(t, err)
		assert.Equal(t, 1, second.JoinIndex)

		third, err := registry.AddParticipant(core.PeerID("peer-3"))
		assert.Nil(t, err)
		assert.Equal(t, 2, third.JoinIndex)
	})

	t.Run("a departed peer's index is handed to the next joiner", func(t *testing.T) {
		registry := NewRegistry()

		registry.AddParticipant(core.PeerID("peer-1"))
		registry.AddParticipant(core.PeerID("peer-2"))
		registry.AddParticipant(core.PeerID("peer-3"))

		registry.RemoveParticipant(core.PeerID("peer-2"))

		fourth, err := registry.AddParticipant(core.PeerID("peer-4"))
		assert.Nil(t, err)
		assert.Equal(t, 2, fourth.JoinIndex)
	})

	t.Run("admitting the same peer twice is rejected", func(t *testing.T) {
		registry := NewRegistry()

		_, err := registry.AddParticipant(core.PeerID("peer-1"))
		assert.Nil(t, err)

		_, err = registry.AddParticipant(core.PeerID("peer-1"))
		assert.Equal(t, ErrDuplicatePeer, err)
		assert.Equal(t, 1, registry.Len())
	})
}

func TestRegistryRemoval(t *testing.T) {
	t.Run("removal returns every owned handle", func(t *testing.T) {
		registry := NewRegistry()
		peerID := core.PeerID("peer-1")

		registry.AddParticipant(peerID)
		registry.AddTransport(peerID, &TransportHandle{ID: "t-send", Role: core.SendRole})
		registry.AddTransport(peerID, &TransportHandle{ID: "t-recv", Role: core.ReceiveRole})
		registry.AddProducer(peerID, &ProducerHandle{ID: "p-1", Kind: core.AudioKind, TransportID: "t-send", Slot: 0})
		registry.AddConsumer(peerID, &ConsumerHandle{ID: "c-1", ProducerID: "p-other", TransportID: "t-recv"})

		removed := registry.RemoveParticipant(peerID)
		assert.NotNil(t, removed)
		assert.Equal(t, peerID, removed.ID)
		assert.Equal(t, 0, removed.JoinIndex)
		assert.Len(t, removed.Transports, 2)
		assert.Len(t, removed.Producers, 1)
		assert.Len(t, removed.Consumers, 1)
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("removing an absent peer is a no-op", func(t *testing.T) {
		registry := NewRegistry()

		assert.Nil(t, registry.RemoveParticipant(core.PeerID("ghost")))

		registry.AddParticipant(core.PeerID("peer-1"))
		registry.RemoveParticipant(core.PeerID("peer-1"))
		assert.Nil(t, registry.RemoveParticipant(core.PeerID("peer-1")))
	})
}

func TestRegistryHandles(t *testing.T) {
	t.Run("handles cannot be attached to an unknown peer", func(t *testing.T) {
		registry := NewRegistry()
		ghost := core.PeerID("ghost")

		assert.Equal(t, ErrUnknownPeer, registry.AddTransport(ghost, &TransportHandle{ID: "t-1"}))
		assert.Equal(t, ErrUnknownPeer, registry.AddProducer(ghost, &ProducerHandle{ID: "p-1"}))
		assert.Equal(t, ErrUnknownPeer, registry.AddConsumer(ghost, &ConsumerHandle{ID: "c-1"}))
	})

	t.Run("transport lookup tells an unknown peer from an unknown transport", func(t *testing.T) {
		registry := NewRegistry()
		peerID := core.PeerID("peer-1")
		registry.AddParticipant(peerID)

		_, err := registry.Transport(core.PeerID("ghost"), "t-1")
		assert.Equal(t, ErrUnknownPeer, err)

		_, err = registry.Transport(peerID, "t-1")
		assert.Equal(t, ErrTransportNotFound, err)
	})

	t.Run("a producer is found whoever owns it", func(t *testing.T) {
		registry := NewRegistry()
		registry.AddParticipant(core.PeerID("peer-1"))
		registry.AddParticipant(core.PeerID("peer-2"))
		registry.AddProducer(core.PeerID("peer-2"), &ProducerHandle{ID: "p-1", Kind: core.VideoKind})

		producer, owner, err := registry.FindProducer("p-1")
		assert.Nil(t, err)
		assert.Equal(t, core.PeerID("peer-2"), owner)
		assert.Equal(t, core.VideoKind, producer.Kind)

		_, _, err = registry.FindProducer("p-404")
		assert.Equal(t, ErrProducerNotFound, err)
	})

	t.Run("removing a transport cascades to the handles that rode on it", func(t *testing.T) {
		registry := NewRegistry()
		peerID := core.PeerID("peer-1")
		registry.AddParticipant(peerID)
		registry.AddTransport(peerID, &TransportHandle{ID: "t-1", Role: core.SendRole})
		registry.AddTransport(peerID, &TransportHandle{ID: "t-2", Role: core.ReceiveRole})
		registry.AddProducer(peerID, &ProducerHandle{ID: "p-1", TransportID: "t-1"})
		registry.AddConsumer(peerID, &ConsumerHandle{ID: "c-1", TransportID: "t-1"})
		registry.AddConsumer(peerID, &ConsumerHandle{ID: "c-2", TransportID: "t-2"})

		removed := registry.RemoveTransport("t-1")
		assert.NotNil(t, removed)
		assert.Equal(t, peerID, removed.PeerID)
		assert.Len(t, removed.Producers, 1)
		assert.Len(t, removed.Consumers, 1)
		assert.Equal(t, "c-1", removed.Consumers[0].ID)

		_, err := registry.Transport(peerID, "t-1")
		assert.Equal(t, ErrTransportNotFound, err)

		_, err = registry.Transport(peerID, "t-2")
		assert.Nil(t, err)

		_, err = registry.Consumer(peerID, "c-2")
		assert.Nil(t, err)

		assert.Nil(t, registry.RemoveTransport("t-1"))
	})

	t.Run("a consumer's resume mark sticks", func(t *testing.T) {
		registry := NewRegistry()
		peerID := core.PeerID("peer-1")
		registry.AddParticipant(peerID)
		registry.AddConsumer(peerID, &ConsumerHandle{ID: "c-1"})

		registry.MarkConsumerResumed(peerID, "c-1")

		consumer, err := registry.Consumer(peerID, "c-1")
		assert.Nil(t, err)
		assert.True(t, consumer.Resumed)
	})

	t.Run("a transport state update finds the owner", func(t *testing.T) {
		registry := NewRegistry()
		peerID := core.PeerID("peer-1")
		registry.AddParticipant(peerID)
		registry.AddTransport(peerID, &TransportHandle{ID: "t-1", State: TransportNew})

		owner, ok := registry.UpdateTransportState("t-1", TransportConnected)
		assert.True(t, ok)
		assert.Equal(t, peerID, owner)

		transport, err := registry.Transport(peerID, "t-1")
		assert.Nil(t, err)
		assert.Equal(t, TransportConnected, transport.State)

		_, ok = registry.UpdateTransportState("t-404", TransportConnected)
		assert.False(t, ok)
	})
}

func TestRegistrySnapshot(t *testing.T) {
	t.Run("other producers excludes the requesting peer", func(t *testing.T) {
		registry := NewRegistry()
		registry.AddParticipant(core.PeerID("peer-1"))
		registry.AddParticipant(core.PeerID("peer-2"))
		registry.AddProducer(core.PeerID("peer-1"), &ProducerHandle{ID: "p-mine"})
		registry.AddProducer(core.PeerID("peer-2"), &ProducerHandle{ID: "p-theirs"})

		snapshot := registry.OtherProducers(core.PeerID("peer-1"))
		assert.Len(t, snapshot, 1)
		assert.Equal(t, rpc.ProducerRef{ProducerID: "p-theirs", PeerID: core.PeerID("peer-2")}, snapshot[0])
	})

	t.Run("an empty snapshot is an empty list, not nil", func(t *testing.T) {
		registry := NewRegistry()
		registry.AddParticipant(core.PeerID("peer-1"))

		snapshot := registry.OtherProducers(core.PeerID("peer-1"))
		assert.NotNil(t, snapshot)
		assert.Len(t, snapshot, 0)
	})
}
