package bot

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
)

// Bot is a headless signaling client. It joins a running server, walks the
// request surface once and prints every frame the server sends back.
type Bot struct {
	serverHost    string
	websocketConn *websocket.Conn
	nextID        uint64
}

func New(host string) *Bot {
	return &Bot{serverHost: host}
}

func (bot *Bot) Close() {
	if bot.websocketConn != nil {
		bot.websocketConn.Close()
	}
}

func (bot *Bot) Start() error {
	defer bot.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	dialer := &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}

	c, resp, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", bot.serverHost), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	bot.websocketConn = c

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if err := bot.readFrame(c); err != nil {
				log.Error().Err(err).Msg("read error")
				return
			}
		}
	}()

	if err := bot.walkRequests(); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			log.Info().Msg("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return err
			}

			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}

func (bot *Bot) readFrame(conn *websocket.Conn) error {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	frame := struct {
		ID     uint64             `json:"id"`
		Method rpc.Method         `json:"method"`
		Result json.RawMessage    `json:"result"`
		Error  *rpc.ResponseError `json:"error"`
		Params json.RawMessage    `json:"params"`
	}{}
	if err := json.Unmarshal(message, &frame); err != nil {
		return err
	}

	event := log.Info().Str("method", string(frame.Method))
	if frame.ID != 0 {
		event = event.Uint64("id", frame.ID)
	}
	if frame.Error != nil {
		event = event.Str("code", string(frame.Error.Code)).Str("message", frame.Error.Message)
	}
	if len(frame.Result) > 0 {
		event = event.RawJSON("result", frame.Result)
	}
	if len(frame.Params) > 0 {
		event = event.RawJSON("params", frame.Params)
	}
	event.Msg("server frame")

	return nil
}

// walkRequests exercises each request kind the server accepts plus one it
// must refuse.
func (bot *Bot) walkRequests() error {
	if err := bot.send(rpc.GetCapabilitiesMethod, nil); err != nil {
		return err
	}

	if err := bot.send(rpc.CreateTransportMethod, rpc.CreateTransportParams{Role: core.SendRole}); err != nil {
		return err
	}

	if err := bot.send(rpc.CreateTransportMethod, rpc.CreateTransportParams{Role: core.ReceiveRole}); err != nil {
		return err
	}

	// Deliberately unknown producer, exercises the error path end to end.
	return bot.send(rpc.ConsumeMethod, rpc.ConsumeParams{
		TransportID: "bot-probe",
		ProducerID:  "bot-probe",
	})
}

func (bot *Bot) send(method rpc.Method, params interface{}) error {
	bot.nextID++

	request, err := rpc.NewRequest(bot.nextID, method, params)
	if err != nil {
		return err
	}

	raw, err := request.ToJSON()
	if err != nil {
		return err
	}

	return bot.websocketConn.WriteMessage(websocket.TextMessage, raw)
}
