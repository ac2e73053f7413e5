// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
)

type MockTransport struct {
	ID        string
	Role      core.TransportRole
	Egress    bool
	IP        string
	RtpPort   int
	RtcpPort  int
	Connected bool
	Closed    bool
}

type MockProducer struct {
	ID          string
	TransportID string
	Kind        core.MediaKind
	Closed      bool
}

type MockConsumer struct {
	ID          string
	TransportID string
	ProducerID  string
	Kind        core.MediaKind
	Paused      bool
	Resumes     int
	Closed      bool
}

// MockEngine records every operation and lets a test program failures via the
// exported Mock*Err fields. The zero-argument constructor yields an engine
// that accepts everything.
type MockEngine struct {
	mu sync.Mutex

	Caps json.RawMessage

	MockCapsErr          error
	MockTransportErr     error
	MockConnectErr       error
	MockProduceErr       error
	MockConsumeErr       error
	MockResumeErr        error
	MockEgressErr        error
	MockEgressConsumeErr error

	// CanConsumeFn overrides the default always-true compatibility check.
	CanConsumeFn func(producerID string, rtpCapabilities json.RawMessage) bool

	Transports map[string]*MockTransport
	Producers  map[string]*MockProducer
	Consumers  map[string]*MockConsumer

	EventsCh chan engine.Event

	nextID  int
	fatalFn func(error)
	closed  bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		Caps:       json.RawMessage(`{"codecs":["opus","vp8"]}`),
		Transports: make(map[string]*MockTransport),
		Producers:  make(map[string]*MockProducer),
		Consumers:  make(map[string]*MockConsumer),
		EventsCh:   make(chan engine.Event, 64),
	}
}

func (e *MockEngine) RouterCapabilities() (json.RawMessage, error) {
	if e.MockCapsErr != nil {
		return nil, e.MockCapsErr
	}
	return e.Caps, nil
}

func (e *MockEngine) CreateClientTransport(role core.TransportRole) (*engine.ClientTransport, error) {
	if e.MockTransportErr != nil {
		return nil, e.MockTransportErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.genID("transport")
	e.Transports[id] = &MockTransport{ID: id, Role: role}

	return &engine.ClientTransport{
		ID:             id,
		IceParameters:  json.RawMessage(`{"usernameFragment":"mock"}`),
		IceCandidates:  json.RawMessage(`[]`),
		DtlsParameters: json.RawMessage(`{"role":"auto"}`),
	}, nil
}

func (e *MockEngine) ConnectClientTransport(transportID string, dtlsParameters json.RawMessage) error {
	if e.MockConnectErr != nil {
		return e.MockConnectErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	transport, ok := e.Transports[transportID]
	if !ok {
		return &engine.Error{Op: "connect transport", Message: "unknown transport " + transportID}
	}
	transport.Connected = true

	return nil
}

func (e *MockEngine) Produce(transportID string, kind core.MediaKind, rtpParameters json.RawMessage) (string, error) {
	if e.MockProduceErr != nil {
		return "", e.MockProduceErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.Transports[transportID]; !ok {
		return "", &engine.Error{Op: "produce", Message: "unknown transport " + transportID}
	}

	id := e.genID("producer")
	e.Producers[id] = &MockProducer{ID: id, TransportID: transportID, Kind: kind}

	return id, nil
}

func (e *MockEngine) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if e.CanConsumeFn != nil {
		return e.CanConsumeFn(producerID, rtpCapabilities)
	}
	return true
}

func (e *MockEngine) Consume(transportID, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	if e.MockConsumeErr != nil {
		return nil, e.MockConsumeErr
	}
	return e.consume(transportID, producerID, true)
}

func (e *MockEngine) ResumeConsumer(consumerID string) error {
	if e.MockResumeErr != nil {
		return e.MockResumeErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	consumer, ok := e.Consumers[consumerID]
	if !ok {
		return &engine.Error{Op: "resume consumer", Message: "unknown consumer " + consumerID}
	}
	consumer.Paused = false
	consumer.Resumes++

	return nil
}

func (e *MockEngine) CloseTransport(transportID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if transport, ok := e.Transports[transportID]; ok {
		transport.Closed = true
	}
}

func (e *MockEngine) CloseProducer(producerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if producer, ok := e.Producers[producerID]; ok {
		producer.Closed = true
	}
}

func (e *MockEngine) CloseConsumer(consumerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if consumer, ok := e.Consumers[consumerID]; ok {
		consumer.Closed = true
	}
}

func (e *MockEngine) CreateEgressTransport(ip string, rtpPort, rtcpPort int) (string, error) {
	if e.MockEgressErr != nil {
		return "", e.MockEgressErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.genID("egress")
	e.Transports[id] = &MockTransport{
		ID:        id,
		Egress:    true,
		IP:        ip,
		RtpPort:   rtpPort,
		RtcpPort:  rtcpPort,
		Connected: true,
	}

	return id, nil
}

func (e *MockEngine) ConsumeOnEgress(transportID, producerID string) (*engine.ConsumerInfo, error) {
	if e.MockEgressConsumeErr != nil {
		return nil, e.MockEgressConsumeErr
	}
	return e.consume(transportID, producerID, false)
}

func (e *MockEngine) Events() <-chan engine.Event {
	return e.EventsCh
}

func (e *MockEngine) OnFatal(fn func(err error)) {
	e.mu.Lock()
	e.fatalFn = fn
	e.mu.Unlock()
}

func (e *MockEngine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Fire injects an engine-initiated event, the way a real engine would on
// transport or producer closure.
func (e *MockEngine) Fire(ev engine.Event) {
	e.EventsCh <- ev
}

// Fatal triggers the registered fatal callback.
func (e *MockEngine) Fatal(err error) {
	e.mu.Lock()
	fn := e.fatalFn
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *MockEngine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// EgressConsumers returns consumers created on egress transports.
func (e *MockEngine) EgressConsumers() []*MockConsumer {
	e.mu.Lock()
	defer e.mu.Unlock()

	consumers := []*MockConsumer{}
	for _, c := range e.Consumers {
		if transport, ok := e.Transports[c.TransportID]; ok && transport.Egress {
			consumers = append(consumers, c)
		}
	}
	return consumers
}

func (e *MockEngine) consume(transportID, producerID string, paused bool) (*engine.ConsumerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.Transports[transportID]; !ok {
		return nil, &engine.Error{Op: "consume", Message: "unknown transport " + transportID}
	}
	producer, ok := e.Producers[producerID]
	if !ok {
		return nil, &engine.Error{Op: "consume", Message: "unknown producer " + producerID}
	}

	id := e.genID("consumer")
	e.Consumers[id] = &MockConsumer{
		ID:          id,
		TransportID: transportID,
		ProducerID:  producerID,
		Kind:        producer.Kind,
		Paused:      paused,
	}

	return &engine.ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          producer.Kind,
		RtpParameters: json.RawMessage(`{"codecs":[]}`),
	}, nil
}

func (e *MockEngine) genID(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}
