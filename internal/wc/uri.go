package wc

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedURI = errors.New("malformed session uri")

// URI is a parsed session invitation:
//
//	wc:<handshakeTopic>@<version>?bridge=<relay url>&key=<hex symmetric key>
type URI struct {
	Topic   string
	Version string
	Bridge  string
	Key     []byte
}

func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return URI{}, errors.Wrap(ErrMalformedURI, "missing wc: scheme")
	}
	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return URI{}, errors.Wrap(ErrMalformedURI, "missing parameters")
	}
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return URI{}, errors.Wrap(ErrMalformedURI, "missing handshake topic")
	}
	if version != "1" {
		return URI{}, errors.Wrapf(ErrMalformedURI, "unsupported version %q", version)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, errors.Wrapf(ErrMalformedURI, "parameters: %v", err)
	}
	bridge := params.Get("bridge")
	u, err := url.Parse(bridge)
	if err != nil || u.Host == "" {
		return URI{}, errors.Wrapf(ErrMalformedURI, "bridge %q", bridge)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return URI{}, errors.Wrapf(ErrMalformedURI, "bridge scheme %q", u.Scheme)
	}
	key, err := hex.DecodeString(params.Get("key"))
	if err != nil || len(key) != keySize {
		return URI{}, errors.Wrap(ErrMalformedURI, "key must be 32 bytes of hex")
	}

	return URI{Topic: topic, Version: version, Bridge: bridge, Key: key}, nil
}

func (u URI) String() string {
	q := url.Values{}
	q.Set("bridge", u.Bridge)
	q.Set("key", hex.EncodeToString(u.Key))
	return "wc:" + u.Topic + "@" + u.Version + "?" + q.Encode()
}

// SocketURL is the websocket endpoint of the relay.
func (u URI) SocketURL() string {
	s := u.Bridge
	switch {
	case strings.HasPrefix(s, "https://"):
		s = "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		s = "ws://" + strings.TrimPrefix(s, "http://")
	}
	return s
}
