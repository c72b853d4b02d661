package wc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const eventBuffer = 16

// socketMessage is the relay's framing around an encrypted payload.
type socketMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

// RelayDialer connects to a WalletConnect v1 relay over a websocket.
type RelayDialer struct {
	Logger *slog.Logger
	// ClientID identifies the wallet on the relay; a random one is used when empty.
	ClientID string
	Dialer   *websocket.Dialer
}

var _ Dialer = (*RelayDialer)(nil)

func (d *RelayDialer) Dial(ctx context.Context, uri URI) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := d.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, _, err := dialer.DialContext(ctx, uri.SocketURL(), nil)
	if err != nil {
		return nil, errors.Wrapf(ErrChannel, "dial %s: %v", uri.SocketURL(), err)
	}

	rc := &RelayChannel{
		conn:     conn,
		key:      uri.Key,
		clientID: clientID,
		logger:   logger.With("topic", uri.Topic),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
	for _, topic := range []string{uri.Topic, clientID} {
		if err := rc.write(ctx, socketMessage{Topic: topic, Type: "sub", Silent: true}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	go rc.readLoop()
	return rc, nil
}

// RelayChannel is a session channel over a relay websocket.
type RelayChannel struct {
	conn     *websocket.Conn
	key      []byte
	clientID string
	logger   *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	peerID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*RelayChannel)(nil)

func (rc *RelayChannel) Events() <-chan Event { return rc.events }

func (rc *RelayChannel) ClientID() string { return rc.clientID }

func (rc *RelayChannel) SendRequest(ctx context.Context, req Request) error {
	return rc.publish(ctx, req, false)
}

func (rc *RelayChannel) SendResponse(ctx context.Context, resp Response) error {
	return rc.publish(ctx, resp, true)
}

func (rc *RelayChannel) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		close(rc.done)
		rc.writeMu.Lock()
		_ = rc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		rc.writeMu.Unlock()
		err = rc.conn.Close()
	})
	return err
}

func (rc *RelayChannel) publish(ctx context.Context, v any, silent bool) error {
	rc.mu.Lock()
	peer := rc.peerID
	rc.mu.Unlock()
	if peer == "" {
		return errors.Wrap(ErrChannel, "peer is not known yet")
	}

	plain, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	enc, err := Encrypt(rc.key, plain)
	if err != nil {
		return errors.Wrap(err, "encrypt message")
	}
	payload, err := json.Marshal(enc)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	return rc.write(ctx, socketMessage{Topic: peer, Type: "pub", Payload: string(payload), Silent: silent})
}

func (rc *RelayChannel) write(ctx context.Context, m socketMessage) error {
	select {
	case <-rc.done:
		return errors.Wrap(ErrChannel, "channel closed")
	default:
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = rc.conn.SetWriteDeadline(deadline)
	if err := rc.conn.WriteJSON(m); err != nil {
		return errors.Wrapf(ErrChannel, "write %s: %v", m.Type, err)
	}
	return nil
}

func (rc *RelayChannel) readLoop() {
	defer close(rc.events)
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			select {
			case <-rc.done:
			default:
				rc.emit(&Disconnect{Reason: "transport closed: " + err.Error()})
			}
			return
		}

		var sm socketMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			rc.logger.Warn("Dropping unreadable relay frame", "error", err)
			continue
		}
		if sm.Type != "pub" {
			continue
		}
		if err := rc.write(context.Background(), socketMessage{Topic: sm.Topic, Type: "ack", Silent: true}); err != nil {
			rc.logger.Warn("Relay ack failed", "error", err)
		}

		ev, err := rc.decode(sm.Payload)
		if err != nil {
			rc.logger.Warn("Dropping undecodable payload", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		if sr, ok := ev.(*SessionRequest); ok {
			rc.mu.Lock()
			rc.peerID = sr.PeerID
			rc.mu.Unlock()
		}
		if !rc.emit(ev) {
			return
		}
		if _, ok := ev.(*Disconnect); ok {
			return
		}
	}
}

func (rc *RelayChannel) decode(payload string) (Event, error) {
	var enc EncryptedPayload
	if err := json.Unmarshal([]byte(payload), &enc); err != nil {
		return nil, errors.Wrap(err, "payload envelope")
	}
	plain, err := Decrypt(rc.key, enc)
	if err != nil {
		return nil, err
	}
	var m message
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, errors.Wrap(err, "json-rpc message")
	}
	return decodeEvent(m)
}

func (rc *RelayChannel) emit(ev Event) bool {
	select {
	case rc.events <- ev:
		return true
	case <-rc.done:
		return false
	}
}
