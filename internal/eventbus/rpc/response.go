package rpc

import "encoding/json"

type ErrorCode string

const (
	BadRequestCode               ErrorCode = "bad_request"
	DuplicateIDCode              ErrorCode = "duplicate_id"
	UnknownPeerCode              ErrorCode = "unknown_peer"
	TransportNotFoundCode        ErrorCode = "transport_not_found"
	ProducerNotFoundCode         ErrorCode = "producer_not_found"
	ConsumerNotFoundCode         ErrorCode = "consumer_not_found"
	IncompatibleCapabilitiesCode ErrorCode = "incompatible_capabilities"
	EngineErrorCode              ErrorCode = "engine_error"
)

type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Response answers a single request, echoing its id and method.
type Response struct {
	jsonRpcHead
	Result interface{}    `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

func NewResponse(id uint64, method Method, result interface{}) *Response {
	return &Response{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			ID:      id,
			Method:  method,
		},
		Result: result,
	}
}

type AckResult struct {
	Ack bool `json:"ack"`
}

func NewAckResponse(id uint64, method Method) *Response {
	return NewResponse(id, method, AckResult{Ack: true})
}

func NewErrorResponse(id uint64, method Method, code ErrorCode, message string) *Response {
	return &Response{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			ID:      id,
			Method:  method,
		},
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

func (r Response) GetMethod() Method {
	return r.Method
}

func (r Response) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
