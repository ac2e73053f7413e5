package rpc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/core"
)

// ProducerRef points a peer at another peer's producer
type ProducerRef struct {
	ProducerID string      `json:"producerId"`
	PeerID     core.PeerID `json:"peerId"`
}

type ExistingProducersRpc struct {
	jsonRpcHead
	Params []ProducerRef `json:"params"`
}

func NewExistingProducersRpc(producers []ProducerRef) *ExistingProducersRpc {
	return &ExistingProducersRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ExistingProducersMethod,
		},
		Params: producers,
	}
}

func (r ExistingProducersRpc) GetMethod() Method {
	return r.Method
}

func (r ExistingProducersRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
