package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/isqad/melody"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
	"github.com/isqad/livemeet-sfu/internal/rtc"
)

const (
	sessionPeerKey         = "peerId"
	sessionSubscriptionKey = "subscription"
)

type commandHandler func(peerID core.PeerID, request *rpc.Request) *rpc.Response

// ProduceResult is the payload answering a produce request.
type ProduceResult struct {
	ProducerID string `json:"producerId"`
}

func (app *App) commandTable() map[rpc.Method]commandHandler {
	return map[rpc.Method]commandHandler{
		rpc.GetCapabilitiesMethod:  app.handleGetCapabilities,
		rpc.CreateTransportMethod:  app.handleCreateTransport,
		rpc.ConnectTransportMethod: app.handleConnectTransport,
		rpc.ProduceMethod:          app.handleProduce,
		rpc.ConsumeMethod:          app.handleConsume,
		rpc.ResumeMethod:           app.handleResume,
	}
}

// wsHandler mints a peer id per accepted connection and subscribes its
// signaling channel before the websocket upgrade, so the admission snapshot
// cannot outrun the pump.
func (app *App) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID := core.NewPeerID()

		subscription, err := app.Subscriber.SubscribeClient(peerID)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't subscribe the peer to its signaling channel")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		sessions := make(map[string]interface{})
		sessions[sessionPeerKey] = peerID
		sessions[sessionSubscriptionKey] = subscription

		if err := app.websocket.HandleRequestWithKeys(w, r, sessions); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle request")
		}
	}
}

func (app *App) connectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		peerID, subscription, err := sessionState(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("broken session state")
			session.Close()
			return
		}

		ready := make(chan struct{})

		go func() {
			ch := subscription.Channel()

			close(ready)
			for msg := range ch {
				if err := session.Write([]byte(msg.Payload)); err != nil {
					// there's only session closed error can be
					log.Error().Err(err).Str("service", "ws").Str("peerID", string(peerID)).Msg("write to websocket")
					return
				}
			}
		}()

		<-ready

		if err := app.Room.Join(peerID); err != nil {
			log.Error().Err(err).Str("service", "ws").Str("peerID", string(peerID)).Msg("can't join the peer")
			subscription.Close()
			session.Close()
		}
	}
}

func (app *App) disconnectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		peerID, subscription, err := sessionState(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("broken session state")
			return
		}

		app.Room.Leave(peerID)

		if err := subscription.Close(); err != nil {
			log.Error().Err(err).Str("service", "ws").Str("peerID", string(peerID)).Msg("can't close subscription")
		}

		log.Debug().Str("service", "ws").Str("peerID", string(peerID)).Msg("peer disconnected")
	}
}

// messageHandler parses a request frame and answers on the peer's signaling
// channel. Responses travel the same channel as server events, so a peer
// sees them in publish order.
func (app *App) messageHandler() func(session *melody.Session, msg []byte) {
	return func(session *melody.Session, msg []byte) {
		peerID, _, err := sessionState(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("broken session state")
			session.Close()
			return
		}

		request, err := rpc.FromReader(bytes.NewReader(msg))
		if err != nil {
			log.Debug().Err(err).Str("service", "ws").Str("peerID", string(peerID)).Msg("malformed frame")

			if id, ok := recoverID(msg); ok {
				app.reply(peerID, rpc.NewErrorResponse(id, "", rpc.BadRequestCode, "malformed request"))
			}
			return
		}

		app.reply(peerID, app.dispatch(peerID, request))
	}
}

func (app *App) dispatch(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	handler, ok := app.commands[request.GetMethod()]
	if !ok {
		return rpc.NewErrorResponse(request.GetID(), request.GetMethod(), rpc.BadRequestCode, "unsupported method")
	}
	return handler(peerID, request)
}

func (app *App) handleGetCapabilities(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	capabilities, err := app.Room.Capabilities(peerID)
	if err != nil {
		return errorResponse(request, err)
	}
	return rpc.NewResponse(request.GetID(), request.GetMethod(), capabilities)
}

func (app *App) handleCreateTransport(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	params := &rpc.CreateTransportParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return badParams(request, err)
	}
	if params.Role != core.SendRole && params.Role != core.ReceiveRole {
		return rpc.NewErrorResponse(request.GetID(), request.GetMethod(), rpc.BadRequestCode, "unknown transport role")
	}

	transport, err := app.Room.CreateTransport(peerID, params.Role)
	if err != nil {
		return errorResponse(request, err)
	}
	return rpc.NewResponse(request.GetID(), request.GetMethod(), transport)
}

func (app *App) handleConnectTransport(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	params := &rpc.ConnectTransportParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return badParams(request, err)
	}

	if err := app.Room.ConnectTransport(peerID, params.TransportID, params.DtlsParameters); err != nil {
		return errorResponse(request, err)
	}
	return rpc.NewAckResponse(request.GetID(), request.GetMethod())
}

func (app *App) handleProduce(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	params := &rpc.ProduceParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return badParams(request, err)
	}
	if params.Kind != core.AudioKind && params.Kind != core.VideoKind {
		return rpc.NewErrorResponse(request.GetID(), request.GetMethod(), rpc.BadRequestCode, "unknown media kind")
	}

	producerID, err := app.Room.Produce(peerID, params.TransportID, params.Kind, params.RtpParameters)
	if err != nil {
		return errorResponse(request, err)
	}

	return rpc.NewResponse(request.GetID(), request.GetMethod(), ProduceResult{ProducerID: producerID})
}

func (app *App) handleConsume(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	params := &rpc.ConsumeParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return badParams(request, err)
	}

	consumer, err := app.Room.Consume(peerID, params.TransportID, params.ProducerID, params.RtpCapabilities)
	if err != nil {
		return errorResponse(request, err)
	}
	return rpc.NewResponse(request.GetID(), request.GetMethod(), consumer)
}

func (app *App) handleResume(peerID core.PeerID, request *rpc.Request) *rpc.Response {
	params := &rpc.ResumeParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return badParams(request, err)
	}

	if err := app.Room.Resume(peerID, params.ConsumerID); err != nil {
		return errorResponse(request, err)
	}
	return rpc.NewAckResponse(request.GetID(), request.GetMethod())
}

func (app *App) reply(peerID core.PeerID, response *rpc.Response) {
	if response == nil {
		return
	}
	if err := app.Publisher.PublishClient(peerID, response); err != nil {
		log.Error().Err(err).Str("service", "ws").Str("peerID", string(peerID)).Msg("can't publish response")
	}
}

// errorResponse translates the room's failures into wire codes.
func errorResponse(request *rpc.Request, err error) *rpc.Response {
	code := rpc.BadRequestCode

	switch {
	case errors.Is(err, rtc.ErrDuplicatePeer):
		code = rpc.DuplicateIDCode
	case errors.Is(err, rtc.ErrUnknownPeer):
		code = rpc.UnknownPeerCode
	case errors.Is(err, rtc.ErrTransportNotFound):
		code = rpc.TransportNotFoundCode
	case errors.Is(err, rtc.ErrProducerNotFound):
		code = rpc.ProducerNotFoundCode
	case errors.Is(err, rtc.ErrConsumerNotFound):
		code = rpc.ConsumerNotFoundCode
	case errors.Is(err, rtc.ErrIncompatibleCapabilities):
		code = rpc.IncompatibleCapabilitiesCode
	default:
		var engineErr *engine.Error
		if errors.As(err, &engineErr) {
			code = rpc.EngineErrorCode
		}
	}

	return rpc.NewErrorResponse(request.GetID(), request.GetMethod(), code, err.Error())
}

func badParams(request *rpc.Request, err error) *rpc.Response {
	return rpc.NewErrorResponse(request.GetID(), request.GetMethod(), rpc.BadRequestCode, fmt.Sprintf("bad params: %v", err))
}

// recoverID digs a request id out of a frame that failed to parse.
func recoverID(frame []byte) (uint64, bool) {
	head := struct {
		ID uint64 `json:"id"`
	}{}

	if err := json.Unmarshal(frame, &head); err != nil || head.ID == 0 {
		return 0, false
	}
	return head.ID, true
}

func sessionState(session *melody.Session) (core.PeerID, *eventbus.Subscription, error) {
	rawPeer, ok := session.Keys[sessionPeerKey]
	if !ok {
		return "", nil, fmt.Errorf("no peer id for given session: %+v", session)
	}
	peerID, ok := rawPeer.(core.PeerID)
	if !ok {
		return "", nil, fmt.Errorf("can't convert peer id: %+v", rawPeer)
	}

	rawSub, ok := session.Keys[sessionSubscriptionKey]
	if !ok {
		return "", nil, fmt.Errorf("no subscription for given session: %+v", session)
	}
	subscription, ok := rawSub.(*eventbus.Subscription)
	if !ok {
		return "", nil, fmt.Errorf("can't convert subscription: %+v", rawSub)
	}

	return peerID, subscription, nil
}
