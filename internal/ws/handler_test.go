package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/isqad/melody"
	"github.com/stretchr/testify/assert"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
	"github.com/isqad/livemeet-sfu/internal/enginetest"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/transcode"
)

type publishedMessage struct {
	peerID  core.PeerID
	message rpc.Rpc
}

type MockPublisher struct {
	MockErr error

	mu        sync.Mutex
	published []publishedMessage
}

func (p *MockPublisher) PublishClient(peerID core.PeerID, message rpc.Rpc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{peerID: peerID, message: message})
	return p.MockErr
}

func (p *MockPublisher) Responses(peerID core.PeerID) []*rpc.Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	responses := []*rpc.Response{}
	for _, pub := range p.published {
		if pub.peerID != peerID {
			continue
		}
		if response, ok := pub.message.(*rpc.Response); ok {
			responses = append(responses, response)
		}
	}
	return responses
}

func (p *MockPublisher) PublishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestApp(t *testing.T) (*App, *enginetest.MockEngine, *MockPublisher) {
	t.Helper()

	eng := enginetest.NewMockEngine()
	publisher := &MockPublisher{}

	bridge := transcode.NewBridge(transcode.BridgeOptions{
		Engine:    eng,
		OutputDir: t.TempDir(),
	})
	room := rtc.NewRoom(rtc.RoomOptions{
		Registry: rtc.NewRegistry(),
		Engine:   eng,
		Bridge:   bridge,
		RpcSink:  publisher,
	})

	app := New(AppOptions{
		Env:       core.DevelopmentEnv,
		Address:   ":0",
		Room:      room,
		Bridge:    bridge,
		Publisher: publisher,
	})

	return app, eng, publisher
}

func mustRequest(t *testing.T, id uint64, method rpc.Method, params interface{}) *rpc.Request {
	t.Helper()

	request, err := rpc.NewRequest(id, method, params)
	assert.Nil(t, err)
	return request
}

func TestDispatchCapabilities(t *testing.T) {
	t.Run("answers the router capabilities for an admitted peer", func(t *testing.T) {
		app, eng, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		response := app.dispatch("peer-1", mustRequest(t, 1, rpc.GetCapabilitiesMethod, nil))

		assert.Nil(t, response.Error)
		assert.Equal(t, uint64(1), response.ID)
		assert.Equal(t, rpc.GetCapabilitiesMethod, response.GetMethod())
		assert.Equal(t, eng.Caps, response.Result)
	})

	t.Run("refuses a peer it does not know", func(t *testing.T) {
		app, _, _ := newTestApp(t)

		response := app.dispatch("ghost", mustRequest(t, 1, rpc.GetCapabilitiesMethod, nil))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.UnknownPeerCode, response.Error.Code)
	})

	t.Run("an unsupported method is a bad request", func(t *testing.T) {
		app, _, _ := newTestApp(t)

		response := app.dispatch("peer-1", mustRequest(t, 1, rpc.Method("mute"), nil))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.BadRequestCode, response.Error.Code)
	})
}

func TestDispatchTransports(t *testing.T) {
	t.Run("create transport returns the engine parameters", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		params := rpc.CreateTransportParams{Role: core.SendRole}
		response := app.dispatch("peer-1", mustRequest(t, 2, rpc.CreateTransportMethod, params))

		assert.Nil(t, response.Error)
		transport, ok := response.Result.(*engine.ClientTransport)
		assert.True(t, ok)
		assert.NotEmpty(t, transport.ID)
		assert.NotEmpty(t, transport.IceParameters)
	})

	t.Run("an unknown role is refused before the engine is asked", func(t *testing.T) {
		app, eng, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		params := rpc.CreateTransportParams{Role: core.TransportRole("broadcast")}
		response := app.dispatch("peer-1", mustRequest(t, 2, rpc.CreateTransportMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.BadRequestCode, response.Error.Code)
		assert.Len(t, eng.Transports, 0)
	})

	t.Run("connect transport acks", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		transport, err := app.Room.CreateTransport("peer-1", core.SendRole)
		assert.Nil(t, err)

		params := rpc.ConnectTransportParams{
			TransportID:    transport.ID,
			DtlsParameters: json.RawMessage(`{"role":"client"}`),
		}
		response := app.dispatch("peer-1", mustRequest(t, 3, rpc.ConnectTransportMethod, params))

		assert.Nil(t, response.Error)
		assert.Equal(t, rpc.AckResult{Ack: true}, response.Result)
	})

	t.Run("connecting a transport the peer does not own fails", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		params := rpc.ConnectTransportParams{TransportID: "nope"}
		response := app.dispatch("peer-1", mustRequest(t, 3, rpc.ConnectTransportMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.TransportNotFoundCode, response.Error.Code)
	})
}

func TestDispatchProduce(t *testing.T) {
	t.Run("produce returns the new producer id", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		transport, err := app.Room.CreateTransport("peer-1", core.SendRole)
		assert.Nil(t, err)

		params := rpc.ProduceParams{
			TransportID:   transport.ID,
			Kind:          core.AudioKind,
			RtpParameters: json.RawMessage(`{"codecs":[]}`),
		}
		response := app.dispatch("peer-1", mustRequest(t, 4, rpc.ProduceMethod, params))

		assert.Nil(t, response.Error)
		result, ok := response.Result.(ProduceResult)
		assert.True(t, ok)
		assert.NotEmpty(t, result.ProducerID)
	})

	t.Run("an unknown media kind is refused", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		params := rpc.ProduceParams{TransportID: "t", Kind: core.MediaKind("screen")}
		response := app.dispatch("peer-1", mustRequest(t, 4, rpc.ProduceMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.BadRequestCode, response.Error.Code)
	})

	t.Run("an engine failure maps to the engine error code", func(t *testing.T) {
		app, eng, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		transport, err := app.Room.CreateTransport("peer-1", core.SendRole)
		assert.Nil(t, err)

		eng.MockProduceErr = &engine.Error{Op: "produce", Message: "worker channel broken"}

		params := rpc.ProduceParams{
			TransportID:   transport.ID,
			Kind:          core.AudioKind,
			RtpParameters: json.RawMessage(`{}`),
		}
		response := app.dispatch("peer-1", mustRequest(t, 4, rpc.ProduceMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.EngineErrorCode, response.Error.Code)
	})
}

func TestDispatchConsume(t *testing.T) {
	produceAs := func(t *testing.T, app *App, peerID core.PeerID) string {
		t.Helper()

		assert.Nil(t, app.Room.Join(peerID))
		transport, err := app.Room.CreateTransport(peerID, core.SendRole)
		assert.Nil(t, err)
		producerID, err := app.Room.Produce(peerID, transport.ID, core.AudioKind, json.RawMessage(`{}`))
		assert.Nil(t, err)

		return producerID
	}

	t.Run("consume returns the paused consumer", func(t *testing.T) {
		app, eng, _ := newTestApp(t)
		producerID := produceAs(t, app, "speaker")

		assert.Nil(t, app.Room.Join("listener"))
		transport, err := app.Room.CreateTransport("listener", core.ReceiveRole)
		assert.Nil(t, err)

		params := rpc.ConsumeParams{
			TransportID:     transport.ID,
			ProducerID:      producerID,
			RtpCapabilities: json.RawMessage(`{"codecs":[]}`),
		}
		response := app.dispatch("listener", mustRequest(t, 5, rpc.ConsumeMethod, params))

		assert.Nil(t, response.Error)
		consumer, ok := response.Result.(*engine.ConsumerInfo)
		assert.True(t, ok)
		assert.Equal(t, producerID, consumer.ProducerID)
		assert.True(t, eng.Consumers[consumer.ID].Paused)
	})

	t.Run("incompatible capabilities are refused", func(t *testing.T) {
		app, eng, _ := newTestApp(t)
		producerID := produceAs(t, app, "speaker")

		assert.Nil(t, app.Room.Join("listener"))
		transport, err := app.Room.CreateTransport("listener", core.ReceiveRole)
		assert.Nil(t, err)

		eng.CanConsumeFn = func(string, json.RawMessage) bool { return false }

		params := rpc.ConsumeParams{TransportID: transport.ID, ProducerID: producerID}
		response := app.dispatch("listener", mustRequest(t, 5, rpc.ConsumeMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.IncompatibleCapabilitiesCode, response.Error.Code)
	})

	t.Run("a vanished producer is reported as such", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("listener"))
		transport, err := app.Room.CreateTransport("listener", core.ReceiveRole)
		assert.Nil(t, err)

		params := rpc.ConsumeParams{TransportID: transport.ID, ProducerID: "gone"}
		response := app.dispatch("listener", mustRequest(t, 5, rpc.ConsumeMethod, params))

		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.ProducerNotFoundCode, response.Error.Code)
	})

	t.Run("resume acks and an unknown consumer does not", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		producerID := produceAs(t, app, "speaker")

		assert.Nil(t, app.Room.Join("listener"))
		transport, err := app.Room.CreateTransport("listener", core.ReceiveRole)
		assert.Nil(t, err)
		consumer, err := app.Room.Consume("listener", transport.ID, producerID, json.RawMessage(`{}`))
		assert.Nil(t, err)

		response := app.dispatch("listener", mustRequest(t, 6, rpc.ResumeMethod, rpc.ResumeParams{ConsumerID: consumer.ID}))
		assert.Nil(t, response.Error)
		assert.Equal(t, rpc.AckResult{Ack: true}, response.Result)

		response = app.dispatch("listener", mustRequest(t, 7, rpc.ResumeMethod, rpc.ResumeParams{ConsumerID: "nope"}))
		assert.NotNil(t, response.Error)
		assert.Equal(t, rpc.ConsumerNotFoundCode, response.Error.Code)
	})
}

func TestMessageHandler(t *testing.T) {
	t.Run("a parsed request is answered on the peer's channel", func(t *testing.T) {
		app, _, publisher := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		publisherBase := publisher.PublishedCount()

		frame, err := mustRequest(t, 9, rpc.GetCapabilitiesMethod, nil).ToJSON()
		assert.Nil(t, err)

		app.messageHandler()(sessionWithPeer("peer-1"), frame)

		responses := publisher.Responses("peer-1")
		assert.Len(t, responses, 1)
		assert.Equal(t, uint64(9), responses[0].ID)
		assert.Nil(t, responses[0].Error)
		assert.Equal(t, publisherBase+1, publisher.PublishedCount())
	})

	t.Run("a malformed frame with an id answers bad request", func(t *testing.T) {
		app, _, publisher := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))

		app.messageHandler()(sessionWithPeer("peer-1"), []byte(`{"jsonrpc":"2.0","id":7,"method":"mute"}`))

		responses := publisher.Responses("peer-1")
		assert.Len(t, responses, 1)
		assert.Equal(t, uint64(7), responses[0].ID)
		assert.Equal(t, rpc.BadRequestCode, responses[0].Error.Code)
	})

	t.Run("garbage without an id is dropped", func(t *testing.T) {
		app, _, publisher := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		base := publisher.PublishedCount()

		app.messageHandler()(sessionWithPeer("peer-1"), []byte("not even json"))

		assert.Equal(t, base, publisher.PublishedCount())
	})
}

func TestRecoverID(t *testing.T) {
	t.Run("digs the id out of an unparsed frame", func(t *testing.T) {
		id, ok := recoverID([]byte(`{"id":42,"method":"x"}`))
		assert.True(t, ok)
		assert.Equal(t, uint64(42), id)
	})

	t.Run("refuses frames without one", func(t *testing.T) {
		_, ok := recoverID([]byte(`{"method":"x"}`))
		assert.False(t, ok)

		_, ok = recoverID([]byte("garbage"))
		assert.False(t, ok)
	})
}

func TestServiceEndpoints(t *testing.T) {
	t.Run("healthz reports peers and the bridge state", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		assert.Nil(t, app.Room.Join("peer-1"))
		router := app.initRouter()

		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, recorder.Code)

		health := struct {
			Peers  int    `json:"peers"`
			Bridge string `json:"bridge"`
		}{}
		assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &health))
		assert.Equal(t, 1, health.Peers)
		assert.Equal(t, "idle", health.Bridge)
	})

	t.Run("metrics are exported", func(t *testing.T) {
		app, _, _ := newTestApp(t)
		router := app.initRouter()

		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "livemeet_")
	})
}

// sessionWithPeer fakes just enough of a websocket session for the message
// handler, which never touches the subscription itself.
func sessionWithPeer(peerID core.PeerID) *melody.Session {
	return &melody.Session{Keys: map[string]interface{}{
		sessionPeerKey:         peerID,
		sessionSubscriptionKey: (*eventbus.Subscription)(nil),
	}}
}
