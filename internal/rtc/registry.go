package rtc

import (
	"sync"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
)

// Registry is the authoritative store of admitted peers and the resources
// they own. Cross references (producer to owning peer) are resolved by
// lookup, never stored as links, so peer removal is a single-pass cascade.
type Registry struct {
	lock  sync.RWMutex
	peers map[core.PeerID]*Participant
}

// RemovedPeer is the snapshot of everything a departing peer owned. The
// caller closes the engine handles, the registry holds no engine knowledge.
type RemovedPeer struct {
	ID         core.PeerID
	JoinIndex  int
	Transports []TransportHandle
	Producers  []ProducerHandle
	Consumers  []ConsumerHandle
}

// RemovedTransport carries the handles orphaned by one transport's closure.
type RemovedTransport struct {
	PeerID    core.PeerID
	Transport TransportHandle
	Producers []ProducerHandle
	Consumers []ConsumerHandle
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[core.PeerID]*Participant),
	}
}

// AddParticipant admits a peer with join index equal to the current active
// peer count.
func (r *Registry) AddParticipant(id core.PeerID) (*Participant, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.peers[id]; ok {
		return nil, ErrDuplicatePeer
	}

	participant := newParticipant(id, len(r.peers))
	r.peers[id] = participant

	return participant, nil
}

// RemoveParticipant is idempotent: removing an absent id returns nil.
func (r *Registry) RemoveParticipant(id core.PeerID) *RemovedPeer {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.peers[id]
	if !ok {
		return nil
	}
	delete(r.peers, id)

	removed := &RemovedPeer{
		ID:        participant.ID,
		JoinIndex: participant.JoinIndex,
	}
	for _, transport := range participant.transports {
		removed.Transports = append(removed.Transports, *transport)
	}
	for _, producer := range participant.producers {
		removed.Producers = append(removed.Producers, *producer)
	}
	for _, consumer := range participant.consumers {
		removed.Consumers = append(removed.Consumers, *consumer)
	}

	return removed
}

func (r *Registry) FindParticipant(id core.PeerID) (*Participant, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	participant, ok := r.peers[id]
	return participant, ok
}

func (r *Registry) Contains(id core.PeerID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.peers[id]
	return ok
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.peers)
}

func (r *Registry) PeerIDs() []core.PeerID {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ids := make([]core.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// OtherProducers returns a consistent snapshot of every producer not owned
// by the excluded peer. Only fully created producers are ever in the maps.
func (r *Registry) OtherProducers(exclude core.PeerID) []rpc.ProducerRef {
	r.lock.RLock()
	defer r.lock.RUnlock()

	producers := []rpc.ProducerRef{}
	for id, participant := range r.peers {
		if id == exclude {
			continue
		}
		for _, producer := range participant.producers {
			producers = append(producers, rpc.ProducerRef{
				ProducerID: producer.ID,
				PeerID:     id,
			})
		}
	}
	return producers
}

func (r *Registry) AddTransport(peerID core.PeerID, handle *TransportHandle) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	participant.transports[handle.ID] = handle

	return nil
}

func (r *Registry) AddProducer(peerID core.PeerID, handle *ProducerHandle) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	participant.producers[handle.ID] = handle

	return nil
}

func (r *Registry) AddConsumer(peerID core.PeerID, handle *ConsumerHandle) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	participant.consumers[handle.ID] = handle

	return nil
}

func (r *Registry) Transport(peerID core.PeerID, transportID string) (TransportHandle, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return TransportHandle{}, ErrUnknownPeer
	}
	transport, ok := participant.transports[transportID]
	if !ok {
		return TransportHandle{}, ErrTransportNotFound
	}
	return *transport, nil
}

func (r *Registry) Consumer(peerID core.PeerID, consumerID string) (ConsumerHandle, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return ConsumerHandle{}, ErrUnknownPeer
	}
	consumer, ok := participant.consumers[consumerID]
	if !ok {
		return ConsumerHandle{}, ErrConsumerNotFound
	}
	return *consumer, nil
}

// FindProducer resolves a producer id across all peers, for consume requests
// that name a producer owned by another peer.
func (r *Registry) FindProducer(producerID string) (ProducerHandle, core.PeerID, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for id, participant := range r.peers {
		if producer, ok := participant.producers[producerID]; ok {
			return *producer, id, nil
		}
	}
	return ProducerHandle{}, "", ErrProducerNotFound
}

func (r *Registry) UpdateTransportState(transportID string, state TransportState) (core.PeerID, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, participant := range r.peers {
		if transport, ok := participant.transports[transportID]; ok {
			transport.State = state
			return id, true
		}
	}
	return "", false
}

func (r *Registry) MarkConsumerResumed(peerID core.PeerID, consumerID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.peers[peerID]
	if !ok {
		return
	}
	if consumer, ok := participant.consumers[consumerID]; ok {
		consumer.Resumed = true
	}
}

// RemoveTransport drops the transport and every producer and consumer that
// rode on it, returning them so the caller can close engine handles and
// notify the other peers.
func (r *Registry) RemoveTransport(transportID string) *RemovedTransport {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, participant := range r.peers {
		transport, ok := participant.transports[transportID]
		if !ok {
			continue
		}
		delete(participant.transports, transportID)

		removed := &RemovedTransport{
			PeerID:    id,
			Transport: *transport,
		}
		for producerID, producer := range participant.producers {
			if producer.TransportID == transportID {
				removed.Producers = append(removed.Producers, *producer)
				delete(participant.producers, producerID)
			}
		}
		for consumerID, consumer := range participant.consumers {
			if consumer.TransportID == transportID {
				removed.Consumers = append(removed.Consumers, *consumer)
				delete(participant.consumers, consumerID)
			}
		}
		return removed
	}
	return nil
}

func (r *Registry) RemoveProducer(producerID string) (core.PeerID, ProducerHandle, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, participant := range r.peers {
		if producer, ok := participant.producers[producerID]; ok {
			delete(participant.producers, producerID)
			return id, *producer, true
		}
	}
	return "", ProducerHandle{}, false
}

func (r *Registry) RemoveConsumer(consumerID string) (core.PeerID, ConsumerHandle, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, participant := range r.peers {
		if consumer, ok := participant.consumers[consumerID]; ok {
			delete(participant.consumers, consumerID)
			return id, *consumer, true
		}
	}
	return "", ConsumerHandle{}, false
}
