package rtc

import (
	"github.com/isqad/livemeet-sfu/internal/core"
)

type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportClosed     TransportState = "closed"
)

type TransportHandle struct {
	ID    string
	Role  core.TransportRole
	State TransportState
}

type ProducerHandle struct {
	ID          string
	Kind        core.MediaKind
	TransportID string
	// Slot is the egress slot index, -1 when the producer is not bridged.
	Slot int
}

type ConsumerHandle struct {
	ID          string
	ProducerID  string
	TransportID string
	Resumed     bool
}

// Participant is one admitted peer and everything it owns. The maps are
// guarded by the registry's lock, all mutation goes through Registry methods.
type Participant struct {
	ID        core.PeerID
	JoinIndex int

	transports map[string]*TransportHandle
	producers  map[string]*ProducerHandle
	consumers  map[string]*ConsumerHandle
}

func newParticipant(id core.PeerID, joinIndex int) *Participant {
	return &Participant{
		ID:         id,
		JoinIndex:  joinIndex,
		transports: make(map[string]*TransportHandle),
		producers:  make(map[string]*ProducerHandle),
		consumers:  make(map[string]*ConsumerHandle),
	}
}
