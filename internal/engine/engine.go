package engine

import (
	"encoding/json"
	"fmt"

	"github.com/isqad/livemeet-sfu/internal/core"
)

// Engine is the contract with the external media engine. The control plane
// never inspects ICE/DTLS/RTP parameters, it relays them between the client
// and the engine as raw JSON.
type Engine interface {
	// RouterCapabilities returns the engine's RTP capability descriptor.
	RouterCapabilities() (json.RawMessage, error)
	CreateClientTransport(role core.TransportRole) (*ClientTransport, error)
	ConnectClientTransport(transportID string, dtlsParameters json.RawMessage) error
	// Produce creates a producer on the given transport and returns its id.
	Produce(transportID string, kind core.MediaKind, rtpParameters json.RawMessage) (string, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	// Consume creates a paused consumer. It is resumed explicitly by the client.
	Consume(transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	ResumeConsumer(consumerID string) error
	CloseTransport(transportID string)
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)
	// CreateEgressTransport creates a plain RTP transport aimed at the
	// transcoder's listening port pair and returns the transport id.
	CreateEgressTransport(ip string, rtpPort, rtcpPort int) (string, error)
	// ConsumeOnEgress consumes the producer on an egress transport with the
	// router's own capabilities.
	ConsumeOnEgress(transportID, producerID string) (*ConsumerInfo, error)
	// Events carries engine-initiated closures and transport connectivity
	// changes. The channel is never closed, consumers stop on their own.
	Events() <-chan Event
	// OnFatal registers the one-shot callback for unrecoverable engine failure.
	OnFatal(fn func(err error))
	Close()
}

type ClientTransport struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          core.MediaKind  `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type EventType string

const (
	TransportStateEvent  EventType = "transport_state"
	TransportClosedEvent EventType = "transport_closed"
	ProducerClosedEvent  EventType = "producer_closed"
	ConsumerClosedEvent  EventType = "consumer_closed"
)

type Event struct {
	Type        EventType
	TransportID string
	ProducerID  string
	ConsumerID  string
	State       string
}

// Error is a failure the engine reported for a single operation
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Message)
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Message: err.Error()}
}
