package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

var (
	ErrUnsupportedMethod = errors.New("method not supported")
	ErrUnknownAccount    = errors.New("unknown account")
)

// Kind is one of the supported request kinds.
type Kind int

const (
	KindSign Kind = iota + 1
	KindSendTransaction
)

func (k Kind) promptKind() gate.Kind {
	if k == KindSign {
		return gate.KindSign
	}
	return gate.KindTransaction
}

// Call is a call request reduced to what the dispatcher acts on.
type Call struct {
	Kind    Kind
	Address string
	// Message is the payload to sign; empty for transactions.
	Message string
}

// Classify maps a wire request onto a supported kind and extracts the
// account it targets. Params of the wrong shape for a supported method
// yield ErrUnknownAccount since no identity can be resolved from them.
func Classify(req *wc.CallRequest) (Call, error) {
	switch req.Method {
	case wc.MethodSign:
		// [address, message]
		if len(req.Params) == 0 {
			return Call{}, errors.Wrap(ErrUnknownAccount, "missing address")
		}
		var address string
		if err := json.Unmarshal(req.Params[0], &address); err != nil {
			return Call{}, errors.Wrap(ErrUnknownAccount, "address is not a string")
		}
		call := Call{Kind: KindSign, Address: strings.ToLower(address)}
		if len(req.Params) > 1 {
			call.Message = messageText(req.Params[1])
		}
		return call, nil

	case wc.MethodSendTransaction:
		// [{from, to, value, data, ...}]
		if len(req.Params) == 0 {
			return Call{}, errors.Wrap(ErrUnknownAccount, "missing transaction")
		}
		var tx struct {
			From string `json:"from"`
		}
		if err := json.Unmarshal(req.Params[0], &tx); err != nil {
			return Call{}, errors.Wrap(ErrUnknownAccount, "transaction is not an object")
		}
		return Call{Kind: KindSendTransaction, Address: strings.ToLower(tx.From)}, nil

	default:
		return Call{}, errors.Wrapf(ErrUnsupportedMethod, "%q", req.Method)
	}
}

// messageText returns a JSON string param as-is and anything else as its JSON text.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
