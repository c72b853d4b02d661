package wc

import (
	"encoding/json"
	"math/rand/v2"
	"time"
)

// Wire method names.
const (
	MethodSessionRequest  = "wc_sessionRequest"
	MethodSessionUpdate   = "wc_sessionUpdate"
	MethodSign            = "eth_sign"
	MethodSendTransaction = "eth_sendTransaction"
)

// Request is an outbound JSON-RPC request.
type Request struct {
	ID      int64  `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// Response is an outbound JSON-RPC response; exactly one of Result and Error is set.
type Response struct {
	ID      int64     `json:"id"`
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// message is the decoding shape for anything arriving from the peer.
type message struct {
	ID      int64             `json:"id"`
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *RPCError         `json:"error,omitempty"`
}

// PeerMeta describes a client application.
type PeerMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// NewPayloadID returns a time based id unlikely to collide with the peer's.
func NewPayloadID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}
