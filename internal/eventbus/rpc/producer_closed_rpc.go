package rpc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/core"
)

type ProducerClosedRpc struct {
	jsonRpcHead
	Params ProducerRef `json:"params"`
}

func NewProducerClosedRpc(producerID string, peerID core.PeerID) *ProducerClosedRpc {
	return &ProducerClosedRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ProducerClosedMethod,
		},
		Params: ProducerRef{
			ProducerID: producerID,
			PeerID:     peerID,
		},
	}
}

func (r ProducerClosedRpc) GetMethod() Method {
	return r.Method
}

func (r ProducerClosedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
