package rpc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestFromReader(t *testing.T) {
	t.Run("parses a produce request and keeps params raw", func(t *testing.T) {
		payload := []byte(`{"jsonrpc":"2.0","id":7,"method":"produce","params":{"transportId":"t-1","kind":"video","rtpParameters":{"codecs":[]}}}`)

		req, err := FromReader(bytes.NewReader(payload))
		assert.Nil(t, err)
		assert.Equal(t, ProduceMethod, req.GetMethod())
		assert.Equal(t, uint64(7), req.GetID())

		params := ProduceParams{}
		assert.Nil(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "t-1", params.TransportID)
		assert.Equal(t, core.VideoKind, params.Kind)
		assert.Equal(t, json.RawMessage(`{"codecs":[]}`), params.RtpParameters)
	})

	t.Run("parses a request without params", func(t *testing.T) {
		payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"getCapabilities"}`)

		req, err := FromReader(bytes.NewReader(payload))
		assert.Nil(t, err)
		assert.Equal(t, GetCapabilitiesMethod, req.GetMethod())
	})

	t.Run("rejects an unknown method", func(t *testing.T) {
		payload := []byte(`{"jsonrpc":"2.0","id":2,"method":"teleport","params":{}}`)

		_, err := FromReader(bytes.NewReader(payload))
		assert.Equal(t, ErrUnknownRpcType, err)
	})

	t.Run("rejects a server event method sent as a request", func(t *testing.T) {
		payload := []byte(`{"jsonrpc":"2.0","id":3,"method":"newProducer","params":{}}`)

		_, err := FromReader(bytes.NewReader(payload))
		assert.Equal(t, ErrUnknownRpcType, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := FromReader(bytes.NewReader([]byte(`{{{`)))
		assert.NotNil(t, err)
	})
}

func TestResponseShapes(t *testing.T) {
	t.Run("success response echoes id and method", func(t *testing.T) {
		resp := NewResponse(42, CreateTransportMethod, map[string]string{"id": "t-9"})

		raw, err := resp.ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","id":42,"method":"createTransport","result":{"id":"t-9"}}`,
			string(raw),
		)
	})

	t.Run("error response carries code and message", func(t *testing.T) {
		resp := NewErrorResponse(5, ConsumeMethod, ProducerNotFoundCode, "no such producer")

		raw, err := resp.ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","id":5,"method":"consume","error":{"code":"producer_not_found","message":"no such producer"}}`,
			string(raw),
		)
	})

	t.Run("ack response is a bare ack result", func(t *testing.T) {
		raw, err := NewAckResponse(6, ResumeMethod).ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","id":6,"method":"resume","result":{"ack":true}}`,
			string(raw),
		)
	})
}

func TestEventShapes(t *testing.T) {
	t.Run("events carry no id", func(t *testing.T) {
		raw, err := NewProducerAddedRpc("p-1", core.PeerID("peer-a")).ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","method":"newProducer","params":{"producerId":"p-1","peerId":"peer-a"}}`,
			string(raw),
		)
	})

	t.Run("existing producers snapshot lists refs in order", func(t *testing.T) {
		raw, err := NewExistingProducersRpc([]ProducerRef{
			{ProducerID: "p-1", PeerID: "peer-a"},
			{ProducerID: "p-2", PeerID: "peer-b"},
		}).ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","method":"existingProducers","params":[{"producerId":"p-1","peerId":"peer-a"},{"producerId":"p-2","peerId":"peer-b"}]}`,
			string(raw),
		)
	})

	t.Run("producer closed names the dead producer", func(t *testing.T) {
		rpc := NewProducerClosedRpc("p-1", core.PeerID("peer-a"))
		assert.Equal(t, ProducerClosedMethod, rpc.GetMethod())

		raw, err := rpc.ToJSON()
		assert.Nil(t, err)
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","method":"producerClosed","params":{"producerId":"p-1","peerId":"peer-a"}}`,
			string(raw),
		)
	})
}
