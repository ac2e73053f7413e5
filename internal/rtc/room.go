package rtc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// EgressBridge taps eligible producers into the recording pipeline.
// Assign returns the occupied slot index, or -1 without error when the
// producer is simply not bridged.
type EgressBridge interface {
	Assign(producerID string, kind core.MediaKind, joinIndex int) (int, error)
	Release(producerID string)
}

// RoomOptions is options of the room
type RoomOptions struct {
	Registry *Registry
	Engine   engine.Engine
	Bridge   EgressBridge
	RpcSink  eventbus.Publisher
}

// Room coordinates peers, the media engine and the egress bridge. Peer
// commands arrive from the signaling gateway, engine notifications arrive
// on the events channel and are applied by a single goroutine.
type Room struct {
	RoomOptions

	quit chan struct{}
	done chan struct{}
}

func NewRoom(options RoomOptions) *Room {
	return &Room{
		RoomOptions: options,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start consumes engine events until Stop is called.
func (r *Room) Start() {
	go func() {
		defer close(r.done)

		events := r.Engine.Events()
		for {
			select {
			case ev := <-events:
				r.handleEngineEvent(ev)
			case <-r.quit:
				return
			}
		}
	}()
}

func (r *Room) Stop() {
	close(r.quit)
	<-r.done
}

// Join admits the peer and sends it the snapshot of every producer the
// other peers currently own. The snapshot is sent even when empty.
func (r *Room) Join(peerID core.PeerID) error {
	participant, err := r.Registry.AddParticipant(peerID)
	if err != nil {
		return err
	}

	telemetry.PeerJoined()

	log.Debug().
		Str("service", "rtc").
		Str("peerID", peerID.String()).
		Int("joinIndex", participant.JoinIndex).
		Msg("peer joined")

	snapshot := r.Registry.OtherProducers(peerID)
	if err := r.RpcSink.PublishClient(peerID, rpc.NewExistingProducersRpc(snapshot)); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("peerID", peerID.String()).Msg("can't publish producers snapshot")
	}

	return nil
}

// Leave removes the peer and closes everything it owned. Removing an
// unknown peer is a no-op.
func (r *Room) Leave(peerID core.PeerID) {
	removed := r.Registry.RemoveParticipant(peerID)
	if removed == nil {
		return
	}

	telemetry.PeerLeft()

	for _, consumer := range removed.Consumers {
		r.Engine.CloseConsumer(consumer.ID)
	}
	for _, producer := range removed.Producers {
		r.Bridge.Release(producer.ID)
		r.Engine.CloseProducer(producer.ID)
		telemetry.ProducerRemoved(string(producer.Kind))
	}
	for _, transport := range removed.Transports {
		r.Engine.CloseTransport(transport.ID)
	}

	for _, producer := range removed.Producers {
		r.broadcastExcept(peerID, rpc.NewProducerClosedRpc(producer.ID, peerID))
	}

	log.Debug().Str("service", "rtc").Str("peerID", peerID.String()).Msg("peer left")
}

func (r *Room) Capabilities(peerID core.PeerID) (json.RawMessage, error) {
	if !r.Registry.Contains(peerID) {
		return nil, ErrUnknownPeer
	}

	return r.Engine.RouterCapabilities()
}

func (r *Room) CreateTransport(peerID core.PeerID, role core.TransportRole) (*engine.ClientTransport, error) {
	if !r.Registry.Contains(peerID) {
		return nil, ErrUnknownPeer
	}

	transport, err := r.Engine.CreateClientTransport(role)
	if err != nil {
		return nil, err
	}

	handle := &TransportHandle{ID: transport.ID, Role: role, State: TransportNew}
	if err := r.Registry.AddTransport(peerID, handle); err != nil {
		// The peer disconnected while the engine worked, abandon the result.
		r.Engine.CloseTransport(transport.ID)
		return nil, err
	}

	return transport, nil
}

func (r *Room) ConnectTransport(peerID core.PeerID, transportID string, dtlsParameters json.RawMessage) error {
	if _, err := r.Registry.Transport(peerID, transportID); err != nil {
		return err
	}

	if err := r.Engine.ConnectClientTransport(transportID, dtlsParameters); err != nil {
		return err
	}

	r.Registry.UpdateTransportState(transportID, TransportConnecting)

	return nil
}

// Produce publishes a media track on the peer's send transport. The
// newProducer broadcast goes out strictly after the producer is recorded
// and the egress bridge had its chance to claim it.
func (r *Room) Produce(peerID core.PeerID, transportID string, kind core.MediaKind, rtpParameters json.RawMessage) (string, error) {
	transport, err := r.Registry.Transport(peerID, transportID)
	if err != nil {
		return "", err
	}
	if transport.Role != core.SendRole {
		return "", ErrTransportNotFound
	}

	producerID, err := r.Engine.Produce(transportID, kind, rtpParameters)
	if err != nil {
		return "", err
	}

	participant, ok := r.Registry.FindParticipant(peerID)
	if !ok {
		r.Engine.CloseProducer(producerID)
		return "", ErrUnknownPeer
	}

	slot, err := r.Bridge.Assign(producerID, kind, participant.JoinIndex)
	if err != nil {
		// A failed claim never fails the produce, the track just stays
		// out of the recording.
		log.Warn().
			Err(err).
			Str("service", "rtc").
			Str("peerID", peerID.String()).
			Str("ID", producerID).
			Msg("producer is not bridged to egress")
		slot = -1
	}

	handle := &ProducerHandle{ID: producerID, Kind: kind, TransportID: transportID, Slot: slot}
	if err := r.Registry.AddProducer(peerID, handle); err != nil {
		r.Bridge.Release(producerID)
		r.Engine.CloseProducer(producerID)
		return "", err
	}

	telemetry.ProducerAdded(string(kind))

	r.broadcastExcept(peerID, rpc.NewProducerAddedRpc(producerID, peerID))

	return producerID, nil
}

// Consume subscribes the peer to another peer's producer. The consumer is
// created paused and stays paused until the peer resumes it.
func (r *Room) Consume(peerID core.PeerID, transportID, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	transport, err := r.Registry.Transport(peerID, transportID)
	if err != nil {
		return nil, err
	}
	if transport.Role != core.ReceiveRole {
		return nil, ErrTransportNotFound
	}

	if _, _, err := r.Registry.FindProducer(producerID); err != nil {
		return nil, err
	}

	if !r.Engine.CanConsume(producerID, rtpCapabilities) {
		return nil, ErrIncompatibleCapabilities
	}

	consumer, err := r.Engine.Consume(transportID, producerID, rtpCapabilities)
	if err != nil {
		return nil, err
	}

	handle := &ConsumerHandle{ID: consumer.ID, ProducerID: producerID, TransportID: transportID}
	if err := r.Registry.AddConsumer(peerID, handle); err != nil {
		r.Engine.CloseConsumer(consumer.ID)
		return nil, err
	}

	return consumer, nil
}

// Resume unpauses the consumer. Resuming twice is an acknowledged no-op.
func (r *Room) Resume(peerID core.PeerID, consumerID string) error {
	consumer, err := r.Registry.Consumer(peerID, consumerID)
	if err != nil {
		return err
	}
	if consumer.Resumed {
		return nil
	}

	if err := r.Engine.ResumeConsumer(consumerID); err != nil {
		return err
	}

	r.Registry.MarkConsumerResumed(peerID, consumerID)

	return nil
}

// Close drains every remaining peer.
func (r *Room) Close() {
	for _, peerID := range r.Registry.PeerIDs() {
		r.Leave(peerID)
	}
}

func (r *Room) handleEngineEvent(ev engine.Event) {
	switch ev.Type {
	case engine.TransportStateEvent:
		r.handleTransportState(ev)
	case engine.TransportClosedEvent:
		r.removeTransport(ev.TransportID)
	case engine.ProducerClosedEvent:
		r.removeProducer(ev.ProducerID)
	case engine.ConsumerClosedEvent:
		r.Registry.RemoveConsumer(ev.ConsumerID)
	}
}

func (r *Room) handleTransportState(ev engine.Event) {
	switch ev.State {
	case "connecting":
		r.Registry.UpdateTransportState(ev.TransportID, TransportConnecting)
	case "connected", "completed":
		r.Registry.UpdateTransportState(ev.TransportID, TransportConnected)
		telemetry.ServiceOperationCounter.WithLabelValues("transport_connection", "success", "").Add(1)
	case "failed", "closed":
		telemetry.ServiceOperationCounter.WithLabelValues("transport_connection", "error", "state_"+ev.State).Add(1)
		r.Engine.CloseTransport(ev.TransportID)
		r.removeTransport(ev.TransportID)
	}
}

// removeTransport cascades the loss of a transport down to the producers
// and consumers that rode on it.
func (r *Room) removeTransport(transportID string) {
	removed := r.Registry.RemoveTransport(transportID)
	if removed == nil {
		return
	}

	for _, consumer := range removed.Consumers {
		r.Engine.CloseConsumer(consumer.ID)
	}
	for _, producer := range removed.Producers {
		r.Bridge.Release(producer.ID)
		r.Engine.CloseProducer(producer.ID)
		telemetry.ProducerRemoved(string(producer.Kind))
		r.broadcastExcept(removed.PeerID, rpc.NewProducerClosedRpc(producer.ID, removed.PeerID))
	}
}

func (r *Room) removeProducer(producerID string) {
	peerID, producer, ok := r.Registry.RemoveProducer(producerID)
	if !ok {
		return
	}

	r.Bridge.Release(producer.ID)
	telemetry.ProducerRemoved(string(producer.Kind))
	r.broadcastExcept(peerID, rpc.NewProducerClosedRpc(producer.ID, peerID))
}

// broadcastExcept delivers the rpc to every peer but the excluded one. A
// failed delivery to one peer never blocks the others.
func (r *Room) broadcastExcept(exclude core.PeerID, message rpc.Rpc) {
	for _, peerID := range r.Registry.PeerIDs() {
		if peerID == exclude {
			continue
		}
		if err := r.RpcSink.PublishClient(peerID, message); err != nil {
			log.Error().Err(err).Str("service", "rtc").Str("peerID", peerID.String()).Msg("can't publish rpc")
		}
	}
}
