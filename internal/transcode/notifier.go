package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	// LifecycleSubject carries bridge state transitions for operators.
	LifecycleSubject = "transcode.lifecycle"
	// ControlSubject carries operator commands back to the bridge.
	ControlSubject = "transcode.control"

	controlQueue = "transcode-control"
)

const RestartAction = "restart"

// Message transfers one lifecycle transition of the egress transcoder
type Message struct {
	State       State  `json:"state"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	RecordingID string `json:"recording_id,omitempty"`
}

// Command is an operator request picked up from the control subject
type Command struct {
	Action string `json:"action"`
}

type LifecycleNotifier interface {
	Publish(message Message) error
}

// Notifier publishes lifecycle messages to NATS.
type Notifier struct {
	nc *nats.Conn
}

func NewNotifier(nc *nats.Conn) *Notifier {
	return &Notifier{nc: nc}
}

func (n *Notifier) Publish(message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return n.nc.Publish(LifecycleSubject, data)
}

// ControlSubscriber turns operator commands from NATS into bridge calls.
type ControlSubscriber struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewControlSubscriber(nc *nats.Conn) *ControlSubscriber {
	return &ControlSubscriber{nc: nc}
}

// Listen subscribes to the control subject. Commands run in the NATS
// callback goroutine.
func (s *ControlSubscriber) Listen(bridge *Bridge) error {
	sub, err := s.nc.QueueSubscribe(ControlSubject, controlQueue, func(msg *nats.Msg) {
		if err := dispatch(bridge, msg); err != nil {
			log.Error().Err(err).Str("service", "transcode").Msg("control command failed")
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub

	log.Info().Str("service", "transcode").Msg("listening for control commands")

	return nil
}

func (s *ControlSubscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func dispatch(bridge *Bridge, msg *nats.Msg) error {
	log.Debug().Str("service", "transcode").Str("data", string(msg.Data)).Msg("received control command")

	command := &Command{}
	r := bytes.NewReader(msg.Data)
	if err := json.NewDecoder(r).Decode(command); err != nil {
		return fmt.Errorf("control command: %v, payload: %s", err, string(msg.Data))
	}

	switch command.Action {
	case RestartAction:
		return bridge.Restart()
	default:
		return fmt.Errorf("unknown control action %q", command.Action)
	}
}
