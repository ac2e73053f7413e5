package engine

import (
	"encoding/json"
	"sync"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog/log"
)

const eventsBacklog = 256

// The egress SDP handed to the transcoder names these payload types, so the
// router table pins them instead of letting the engine pick.
var routerMediaCodecs = []*mediasoup.RtpCodecCapability{
	{
		Kind:                 mediasoup.MediaKind_Audio,
		MimeType:             "audio/opus",
		PreferredPayloadType: 111,
		ClockRate:            48000,
		Channels:             2,
	},
	{
		Kind:                 mediasoup.MediaKind_Video,
		MimeType:             "video/VP8",
		PreferredPayloadType: 96,
		ClockRate:            90000,
	},
}

type MediasoupOptions struct {
	WorkerLogLevel string
	RtcMinPort     uint16
	RtcMaxPort     uint16
	// ListenIP is the interface the worker binds media to, AnnouncedIP is
	// what clients behind NAT see in ICE candidates.
	ListenIP    string
	AnnouncedIP string
}

// MediasoupEngine drives a mediasoup worker process via its native channel.
type MediasoupEngine struct {
	MediasoupOptions

	worker *mediasoup.Worker
	router *mediasoup.Router

	mu         sync.Mutex
	transports map[string]mediasoup.ITransport
	producers  map[string]*mediasoup.Producer
	consumers  map[string]*mediasoup.Consumer
	fatalFn    func(error)
	fatalFired bool
	closed     bool

	events chan Event
}

func NewMediasoupEngine(options MediasoupOptions) (*MediasoupEngine, error) {
	workerOpts := []mediasoup.Option{
		mediasoup.WithLogLevel(mediasoup.WorkerLogLevel(options.WorkerLogLevel)),
	}
	if options.RtcMinPort > 0 {
		workerOpts = append(workerOpts,
			mediasoup.WithRtcMinPort(options.RtcMinPort),
			mediasoup.WithRtcMaxPort(options.RtcMaxPort),
		)
	}

	worker, err := mediasoup.NewWorker(workerOpts...)
	if err != nil {
		return nil, newError("start worker", err)
	}

	router, err := worker.CreateRouter(mediasoup.RouterOptions{MediaCodecs: routerMediaCodecs})
	if err != nil {
		worker.Close()
		return nil, newError("create router", err)
	}

	e := &MediasoupEngine{
		MediasoupOptions: options,
		worker:           worker,
		router:           router,
		transports:       make(map[string]mediasoup.ITransport),
		producers:        make(map[string]*mediasoup.Producer),
		consumers:        make(map[string]*mediasoup.Consumer),
		events:           make(chan Event, eventsBacklog),
	}

	worker.On("died", func(err error) {
		log.Error().Err(err).Str("service", "engine").Msg("media worker died")
		e.fireFatal(err)
	})

	log.Debug().Str("service", "engine").Int("pid", worker.Pid()).Msg("media worker started")

	return e, nil
}

func (e *MediasoupEngine) RouterCapabilities() (json.RawMessage, error) {
	caps, err := json.Marshal(e.router.RtpCapabilities())
	if err != nil {
		return nil, newError("router capabilities", err)
	}
	return caps, nil
}

func (e *MediasoupEngine) CreateClientTransport(role core.TransportRole) (*ClientTransport, error) {
	transport, err := e.router.CreateWebRtcTransport(mediasoup.WebRtcTransportOptions{
		ListenIps: []mediasoup.TransportListenIp{
			{Ip: e.ListenIP, AnnouncedIp: e.AnnouncedIP},
		},
	})
	if err != nil {
		return nil, newError("create transport", err)
	}

	id := transport.Id()
	transport.On("icestatechange", func(state mediasoup.IceState) {
		e.emit(Event{Type: TransportStateEvent, TransportID: id, State: string(state)})
	})
	transport.On("dtlsstatechange", func(state mediasoup.DtlsState) {
		e.emit(Event{Type: TransportStateEvent, TransportID: id, State: string(state)})
	})
	transport.On("routerclose", func() {
		e.dropTransport(id)
		e.emit(Event{Type: TransportClosedEvent, TransportID: id})
	})

	iceParameters, err := json.Marshal(transport.IceParameters())
	if err != nil {
		return nil, newError("create transport", err)
	}
	iceCandidates, err := json.Marshal(transport.IceCandidates())
	if err != nil {
		return nil, newError("create transport", err)
	}
	dtlsParameters, err := json.Marshal(transport.DtlsParameters())
	if err != nil {
		return nil, newError("create transport", err)
	}

	e.mu.Lock()
	e.transports[id] = transport
	e.mu.Unlock()

	log.Debug().
		Str("service", "engine").
		Str("ID", id).
		Str("role", string(role)).
		Msg("client transport created")

	return &ClientTransport{
		ID:             id,
		IceParameters:  iceParameters,
		IceCandidates:  iceCandidates,
		DtlsParameters: dtlsParameters,
	}, nil
}

func (e *MediasoupEngine) ConnectClientTransport(transportID string, dtlsParameters json.RawMessage) error {
	transport, ok := e.transport(transportID)
	if !ok {
		return &Error{Op: "connect transport", Message: "unknown transport " + transportID}
	}

	var params mediasoup.DtlsParameters
	if err := json.Unmarshal(dtlsParameters, &params); err != nil {
		return newError("connect transport", err)
	}

	if err := transport.Connect(mediasoup.TransportConnectOptions{DtlsParameters: &params}); err != nil {
		return newError("connect transport", err)
	}

	return nil
}

func (e *MediasoupEngine) Produce(transportID string, kind core.MediaKind, rtpParameters json.RawMessage) (string, error) {
	transport, ok := e.transport(transportID)
	if !ok {
		return "", &Error{Op: "produce", Message: "unknown transport " + transportID}
	}

	var params mediasoup.RtpParameters
	if err := json.Unmarshal(rtpParameters, &params); err != nil {
		return "", newError("produce", err)
	}

	producer, err := transport.Produce(mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(kind),
		RtpParameters: params,
	})
	if err != nil {
		return "", newError("produce", err)
	}

	id := producer.Id()
	producer.On("transportclose", func() {
		e.dropProducer(id)
		e.emit(Event{Type: ProducerClosedEvent, ProducerID: id})
	})

	e.mu.Lock()
	e.producers[id] = producer
	e.mu.Unlock()

	return id, nil
}

func (e *MediasoupEngine) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	return e.router.CanConsume(producerID, caps)
}

func (e *MediasoupEngine) Consume(transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	transport, ok := e.transport(transportID)
	if !ok {
		return nil, &Error{Op: "consume", Message: "unknown transport " + transportID}
	}

	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return nil, newError("consume", err)
	}

	consumer, err := transport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		return nil, newError("consume", err)
	}

	return e.watchConsumer(consumer)
}

func (e *MediasoupEngine) ResumeConsumer(consumerID string) error {
	consumer, ok := e.consumer(consumerID)
	if !ok {
		return &Error{Op: "resume consumer", Message: "unknown consumer " + consumerID}
	}
	if err := consumer.Resume(); err != nil {
		return newError("resume consumer", err)
	}
	return nil
}

func (e *MediasoupEngine) CloseTransport(transportID string) {
	e.mu.Lock()
	transport, ok := e.transports[transportID]
	delete(e.transports, transportID)
	e.mu.Unlock()

	if ok {
		transport.Close()
	}
}

func (e *MediasoupEngine) CloseProducer(producerID string) {
	e.mu.Lock()
	producer, ok := e.producers[producerID]
	delete(e.producers, producerID)
	e.mu.Unlock()

	if ok {
		producer.Close()
	}
}

func (e *MediasoupEngine) CloseConsumer(consumerID string) {
	e.mu.Lock()
	consumer, ok := e.consumers[consumerID]
	delete(e.consumers, consumerID)
	e.mu.Unlock()

	if ok {
		consumer.Close()
	}
}

func (e *MediasoupEngine) CreateEgressTransport(ip string, rtpPort, rtcpPort int) (string, error) {
	transport, err := e.router.CreatePlainTransport(mediasoup.PlainTransportOptions{
		ListenIp: mediasoup.TransportListenIp{Ip: e.ListenIP},
		RtcpMux:  false,
		Comedia:  false,
	})
	if err != nil {
		return "", newError("create egress transport", err)
	}

	if err := transport.Connect(mediasoup.TransportConnectOptions{
		Ip:       ip,
		Port:     uint16(rtpPort),
		RtcpPort: uint16(rtcpPort),
	}); err != nil {
		transport.Close()
		return "", newError("connect egress transport", err)
	}

	e.mu.Lock()
	e.transports[transport.Id()] = transport
	e.mu.Unlock()

	log.Debug().
		Str("service", "engine").
		Str("ID", transport.Id()).
		Int("rtpPort", rtpPort).
		Msg("egress transport created")

	return transport.Id(), nil
}

func (e *MediasoupEngine) ConsumeOnEgress(transportID, producerID string) (*ConsumerInfo, error) {
	transport, ok := e.transport(transportID)
	if !ok {
		return nil, &Error{Op: "consume on egress", Message: "unknown transport " + transportID}
	}

	consumer, err := transport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: e.router.RtpCapabilities(),
	})
	if err != nil {
		return nil, newError("consume on egress", err)
	}

	return e.watchConsumer(consumer)
}

func (e *MediasoupEngine) Events() <-chan Event {
	return e.events
}

func (e *MediasoupEngine) OnFatal(fn func(err error)) {
	e.mu.Lock()
	e.fatalFn = fn
	e.mu.Unlock()
}

func (e *MediasoupEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.router.Close()
	e.worker.Close()
	log.Debug().Str("service", "engine").Msg("engine closed")
}

func (e *MediasoupEngine) watchConsumer(consumer *mediasoup.Consumer) (*ConsumerInfo, error) {
	id := consumer.Id()
	closed := func() {
		e.dropConsumer(id)
		e.emit(Event{Type: ConsumerClosedEvent, ConsumerID: id, ProducerID: consumer.ProducerId()})
	}
	consumer.On("transportclose", closed)
	consumer.On("producerclose", closed)

	rtpParameters, err := json.Marshal(consumer.RtpParameters())
	if err != nil {
		return nil, newError("consume", err)
	}

	e.mu.Lock()
	e.consumers[id] = consumer
	e.mu.Unlock()

	return &ConsumerInfo{
		ID:            id,
		ProducerID:    consumer.ProducerId(),
		Kind:          core.MediaKind(consumer.Kind()),
		RtpParameters: rtpParameters,
	}, nil
}

func (e *MediasoupEngine) transport(id string) (mediasoup.ITransport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	transport, ok := e.transports[id]
	return transport, ok
}

func (e *MediasoupEngine) consumer(id string) (*mediasoup.Consumer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	consumer, ok := e.consumers[id]
	return consumer, ok
}

func (e *MediasoupEngine) dropTransport(id string) {
	e.mu.Lock()
	delete(e.transports, id)
	e.mu.Unlock()
}

func (e *MediasoupEngine) dropProducer(id string) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
}

func (e *MediasoupEngine) dropConsumer(id string) {
	e.mu.Lock()
	delete(e.consumers, id)
	e.mu.Unlock()
}

func (e *MediasoupEngine) fireFatal(err error) {
	e.mu.Lock()
	fn := e.fatalFn
	fired := e.fatalFired
	e.fatalFired = true
	e.mu.Unlock()

	if fired || fn == nil {
		return
	}
	fn(err)
}

func (e *MediasoupEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("service", "engine").Str("type", string(ev.Type)).Msg("events backlog full, event dropped")
	}
}
