package core

import "github.com/google/uuid"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
)

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// PeerID identifies a single admitted signaling connection
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (id PeerID) String() string {
	return string(id)
}

type MediaKind string

const (
	AudioKind MediaKind = "audio"
	VideoKind MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == AudioKind || k == VideoKind
}

type TransportRole string

const (
	SendRole    TransportRole = "send"
	ReceiveRole TransportRole = "receive"
)

func (r TransportRole) Valid() bool {
	return r == SendRole || r == ReceiveRole
}
