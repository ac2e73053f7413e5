package rpc

import "errors"

const jsonRpcVersion = "2.0"

type Method string

const (
	GetCapabilitiesMethod  Method = "getCapabilities"
	CreateTransportMethod  Method = "createTransport"
	ConnectTransportMethod Method = "connectTransport"
	ProduceMethod          Method = "produce"
	ConsumeMethod          Method = "consume"
	ResumeMethod           Method = "resume"

	ExistingProducersMethod Method = "existingProducers"
	NewProducerMethod       Method = "newProducer"
	ProducerClosedMethod    Method = "producerClosed"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  Method `json:"method"`
}
