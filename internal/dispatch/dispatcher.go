package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/metrics"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

// PlaceholderTxHash answers every approved transaction; nothing is broadcast.
const PlaceholderTxHash = "0x9b9eaa5043e878861c0d1c8184152311b25f5db64b1da179e383e6df332ae28b"

const deniedReason = "Request rejected"

// Outcome is how a call request ended.
type Outcome string

const (
	OutcomeApproved       Outcome = "approved"
	OutcomeDenied         Outcome = "denied"
	OutcomeUnsupported    Outcome = "unsupported"
	OutcomeUnknownAccount Outcome = "unknown_account"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeAbandoned      Outcome = "abandoned"
	OutcomeFailed         Outcome = "failed"
)

type Config struct {
	Registry      *identity.Registry
	Gate          gate.Gate
	Signer        identity.Signer
	TokenValidity time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher answers call requests for one session at a time. Every request
// id it accepts gets at most one response; a repeated id is dropped.
type Dispatcher struct {
	registry *identity.Registry
	gate     gate.Gate
	signer   identity.Signer
	validity time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	seen map[int64]struct{}
}

func New(cfg Config) *Dispatcher {
	if cfg.Signer == nil {
		cfg.Signer = identity.NewJWTSigner()
	}
	if cfg.TokenValidity <= 0 {
		cfg.TokenValidity = identity.DefaultTokenValidity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		gate:     cfg.Gate,
		signer:   cfg.Signer,
		validity: cfg.TokenValidity,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		seen:     make(map[int64]struct{}),
	}
}

// Reset forgets the ids of the previous session.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[int64]struct{})
}

func (d *Dispatcher) accept(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Handle classifies a call request, resolves the identity, asks the gate and
// sends exactly one response. When ctx has ended by the time the gate
// answers, the answer is discarded and no response is sent. The returned error is only ever a channel failure.
func (d *Dispatcher) Handle(ctx context.Context, ch wc.Channel, req *wc.CallRequest, peer wc.PeerMeta) (Outcome, error) {
	outcome, err := d.handle(ctx, ch, req, peer)
	d.metrics.Request(methodLabel(req.Method), string(outcome))
	return outcome, err
}

// Reject answers a request with an error without consulting the gate. The
// id counts as answered, so a later request reusing it is dropped.
func (d *Dispatcher) Reject(ctx context.Context, ch wc.Channel, req *wc.CallRequest, reason string) (Outcome, error) {
	if !d.accept(req.ID) {
		d.logger.Warn("Ignoring repeated call request id", "id", req.ID, "method", req.Method)
		d.metrics.Request(methodLabel(req.Method), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}
	d.metrics.Request(methodLabel(req.Method), string(OutcomeDenied))
	return OutcomeDenied, wc.RejectRequest(ctx, ch, req.ID, reason)
}

// methodLabel keeps peer-chosen method names out of metric labels.
func methodLabel(method string) string {
	switch method {
	case wc.MethodSign, wc.MethodSendTransaction:
		return method
	default:
		return "other"
	}
}

func (d *Dispatcher) handle(ctx context.Context, ch wc.Channel, req *wc.CallRequest, peer wc.PeerMeta) (Outcome, error) {
	logger := d.logger.With("id", req.ID, "method", req.Method)

	if !d.accept(req.ID) {
		logger.Warn("Ignoring repeated call request id")
		return OutcomeDuplicate, nil
	}

	call, err := Classify(req)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			logger.Info("Rejecting malformed account parameter", "error", err)
			return OutcomeUnknownAccount, wc.RejectRequest(ctx, ch, req.ID, ErrUnknownAccount.Error())
		}
		logger.Info("Rejecting unsupported method")
		return OutcomeUnsupported, wc.RejectRequest(ctx, ch, req.ID, ErrUnsupportedMethod.Error())
	}

	id, ok := d.registry.Lookup(call.Address)
	if !ok {
		logger.Info("Rejecting request for unknown account", "address", call.Address)
		return OutcomeUnknownAccount, wc.RejectRequest(ctx, ch, req.ID, ErrUnknownAccount.Error())
	}

	kind := call.Kind.promptKind()
	d.metrics.PromptOpened()
	asked := time.Now()
	choice, err := d.gate.Ask(ctx, gate.Prompt{
		ID:        strconv.FormatInt(req.ID, 10),
		Kind:      kind,
		App:       peer.Name,
		Origin:    peer.URL,
		Message:   promptMessage(req),
		Account:   id.Address,
		ExtraData: map[string]any{"did": id.DID, "method": req.Method},
	})
	d.metrics.PromptClosed(string(kind), time.Since(asked))
	if ctx.Err() != nil {
		logger.Info("Session ended while awaiting decision; dropping request", "choice", choice)
		return OutcomeAbandoned, nil
	}
	if err != nil {
		logger.Error("Decision gate failed, denying", "error", err)
		choice = gate.Deny
	}

	if choice != gate.Approve {
		logger.Info("Request denied")
		return OutcomeDenied, wc.RejectRequest(ctx, ch, req.ID, deniedReason)
	}

	switch call.Kind {
	case KindSign:
		token, err := d.signer.SignPayload(id, call.Message, d.validity)
		if err != nil {
			logger.Error("Signing failed", "did", id.DID, "error", err)
			return OutcomeFailed, wc.RejectRequest(ctx, ch, req.ID, "signing failed")
		}
		logger.Info("Request approved", "did", id.DID)
		return OutcomeApproved, wc.ApproveRequest(ctx, ch, req.ID, token)
	default:
		logger.Info("Transaction approved", "from", id.Address)
		return OutcomeApproved, wc.ApproveRequest(ctx, ch, req.ID, PlaceholderTxHash)
	}
}

func promptMessage(req *wc.CallRequest) string {
	params, err := json.Marshal(req.Params)
	if err != nil {
		params = []byte("[]")
	}
	return fmt.Sprintf("Id: %d - Method: %s - Params: %s", req.ID, req.Method, params)
}
