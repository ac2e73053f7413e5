package rtc

import "errors"

// Validation failures are reported back on the requesting peer's signaling
// channel and never affect other peers.
var (
	ErrDuplicatePeer            = errors.New("peer id already registered")
	ErrUnknownPeer              = errors.New("unknown peer")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
)
