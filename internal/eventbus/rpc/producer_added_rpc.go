package rpc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/core"
)

type ProducerAddedRpc struct {
	jsonRpcHead
	Params ProducerRef `json:"params"`
}

func NewProducerAddedRpc(producerID string, peerID core.PeerID) *ProducerAddedRpc {
	return &ProducerAddedRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  NewProducerMethod,
		},
		Params: ProducerRef{
			ProducerID: producerID,
			PeerID:     peerID,
		},
	}
}

func (r ProducerAddedRpc) GetMethod() Method {
	return r.Method
}

func (r ProducerAddedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
