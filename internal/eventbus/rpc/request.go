package rpc

import (
	"encoding/json"
	"io"

	"github.com/isqad/livemeet-sfu/internal/core"
)

// Request is one client frame. Params stay raw until the handler selected by
// the method decodes them.
type Request struct {
	jsonRpcHead
	Params json.RawMessage `json:"params,omitempty"`
}

func NewRequest(id uint64, method Method, params interface{}) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	return &Request{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			ID:      id,
			Method:  method,
		},
		Params: raw,
	}, nil
}

func (r Request) GetMethod() Method {
	return r.Method
}

func (r Request) GetID() uint64 {
	return r.ID
}

func (r Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func FromReader(reader io.Reader) (*Request, error) {
	req := &Request{}

	err := json.NewDecoder(reader).Decode(req)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case GetCapabilitiesMethod,
		CreateTransportMethod,
		ConnectTransportMethod,
		ProduceMethod,
		ConsumeMethod,
		ResumeMethod:
		return req, nil
	default:
		return nil, ErrUnknownRpcType
	}
}

type CreateTransportParams struct {
	Role core.TransportRole `json:"role"`
}

type ConnectTransportParams struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceParams struct {
	TransportID   string          `json:"transportId"`
	Kind          core.MediaKind  `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type ConsumeParams struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ResumeParams struct {
	ConsumerID string `json:"consumerId"`
}
