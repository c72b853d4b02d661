package wc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrChannel marks a transport failure on the session channel.
var ErrChannel = errors.New("session channel error")

// Event is one inbound session event: *SessionRequest, *CallRequest or *Disconnect.
type Event interface {
	isEvent()
}

// SessionRequest asks the wallet to accept a new session.
type SessionRequest struct {
	ID       int64
	PeerID   string
	PeerMeta PeerMeta
	ChainID  int64
}

// CallRequest is a method invocation from the connected peer.
type CallRequest struct {
	ID     int64
	Method string
	Params []json.RawMessage
}

// Disconnect ends the session. Nothing follows it on the same channel.
type Disconnect struct {
	Reason string
}

func (*SessionRequest) isEvent() {}
func (*CallRequest) isEvent()    {}
func (*Disconnect) isEvent()     {}

// Channel is an established transport to one peer. Events are delivered in
// arrival order on a single stream that is closed after the channel ends.
type Channel interface {
	Events() <-chan Event
	SendRequest(ctx context.Context, req Request) error
	SendResponse(ctx context.Context, resp Response) error
	// ClientID is the wallet's own id on the relay.
	ClientID() string
	Close() error
}

// Dialer opens the channel described by a session URI.
type Dialer interface {
	Dial(ctx context.Context, uri URI) (Channel, error)
}

// SessionParams is the wallet's answer to an accepted session request.
type SessionParams struct {
	ChainID     int64    `json:"chainId"`
	NetworkID   int64    `json:"networkId"`
	Accounts    []string `json:"accounts"`
	ActiveIndex int      `json:"activeIndex"`
	PeerID      string   `json:"peerId,omitempty"`
	PeerMeta    PeerMeta `json:"peerMeta"`
}

// SessionUpdate carries a network/account change or, with Approved false, a
// session kill.
type SessionUpdate struct {
	Approved bool     `json:"approved"`
	ChainID  int64    `json:"chainId"`
	Accounts []string `json:"accounts"`
}

const (
	codeRejected = -32000
	jsonrpc      = "2.0"
)

func ApproveSession(ctx context.Context, ch Channel, id int64, p SessionParams) error {
	if p.PeerID == "" {
		p.PeerID = ch.ClientID()
	}
	result := struct {
		Approved bool `json:"approved"`
		SessionParams
	}{Approved: true, SessionParams: p}
	return ch.SendResponse(ctx, Response{ID: id, JSONRPC: jsonrpc, Result: result})
}

func RejectSession(ctx context.Context, ch Channel, id int64) error {
	return RejectRequest(ctx, ch, id, "Session Rejected")
}

func UpdateSession(ctx context.Context, ch Channel, u SessionUpdate) error {
	if u.Accounts == nil {
		u.Accounts = []string{}
	}
	return ch.SendRequest(ctx, Request{
		ID:      NewPayloadID(),
		JSONRPC: jsonrpc,
		Method:  MethodSessionUpdate,
		Params:  []any{u},
	})
}

// KillSession tells the peer the wallet is leaving the session.
func KillSession(ctx context.Context, ch Channel) error {
	return UpdateSession(ctx, ch, SessionUpdate{Approved: false})
}

func ApproveRequest(ctx context.Context, ch Channel, id int64, result any) error {
	return ch.SendResponse(ctx, Response{ID: id, JSONRPC: jsonrpc, Result: result})
}

func RejectRequest(ctx context.Context, ch Channel, id int64, reason string) error {
	if reason == "" {
		reason = "Request rejected"
	}
	return ch.SendResponse(ctx, Response{
		ID:      id,
		JSONRPC: jsonrpc,
		Error:   &RPCError{Code: codeRejected, Message: reason},
	})
}

// decodeEvent turns a decrypted peer message into an event. Responses to the
// wallet's own requests yield nil.
func decodeEvent(m message) (Event, error) {
	switch m.Method {
	case "":
		return nil, nil
	case MethodSessionRequest:
		var p struct {
			PeerID   string   `json:"peerId"`
			PeerMeta PeerMeta `json:"peerMeta"`
			ChainID  *int64   `json:"chainId"`
		}
		if len(m.Params) == 0 {
			return nil, errors.New("session request without params")
		}
		if err := json.Unmarshal(m.Params[0], &p); err != nil {
			return nil, errors.Wrap(err, "session request params")
		}
		if p.PeerID == "" {
			return nil, errors.New("session request without peer id")
		}
		ev := &SessionRequest{ID: m.ID, PeerID: p.PeerID, PeerMeta: p.PeerMeta}
		if p.ChainID != nil {
			ev.ChainID = *p.ChainID
		}
		return ev, nil
	case MethodSessionUpdate:
		var u SessionUpdate
		if len(m.Params) > 0 {
			if err := json.Unmarshal(m.Params[0], &u); err != nil {
				return nil, errors.Wrap(err, "session update params")
			}
		}
		if !u.Approved {
			return &Disconnect{Reason: "peer ended the session"}, nil
		}
		// Peer-side updates carry nothing the wallet acts on.
		return nil, nil
	default:
		return &CallRequest{ID: m.ID, Method: m.Method, Params: m.Params}, nil
	}
}
