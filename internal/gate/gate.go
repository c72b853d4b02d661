package gate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Choice is the human's answer to a prompt. The zero value is not a valid answer.
type Choice int

const (
	Approve Choice = iota + 1
	Deny
)

func (c Choice) String() string {
	switch c {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	default:
		return "invalid"
	}
}

// ChoiceOf maps a boolean decision onto a Choice.
func ChoiceOf(approved bool) Choice {
	if approved {
		return Approve
	}
	return Deny
}

// Kind says what a prompt asks the human to allow.
type Kind string

const (
	KindSession     Kind = "session"
	KindSign        Kind = "sign"
	KindTransaction Kind = "transaction"
)

// Prompt is what gets shown to the human. The JSON form is the approval
// bridge's wire format.
type Prompt struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"type"`
	App       string         `json:"app"`
	Origin    string         `json:"origin,omitempty"`
	Message   string         `json:"message"`
	Account   string         `json:"account,omitempty"`
	Timestamp int64          `json:"timestamp"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// Decision is the bridge's answer to a prompt.
type Decision struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Gate obtains an approve/deny decision from a human. Ask blocks until the
// prompt is answered or ctx ends; there is no built-in timeout. Each call
// resolves exactly once.
type Gate interface {
	Ask(ctx context.Context, prompt Prompt) (Choice, error)
}

var (
	ErrUnknownPrompt   = errors.New("prompt is not pending")
	ErrDuplicatePrompt = errors.New("prompt id already pending")
	ErrInvalidChoice   = errors.New("invalid choice")
)

// Fixed answers every prompt with the same choice.
type Fixed Choice

func (f Fixed) Ask(ctx context.Context, _ Prompt) (Choice, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return Choice(f), nil
}

// Func adapts a function to the Gate interface.
type Func func(ctx context.Context, prompt Prompt) (Choice, error)

func (f Func) Ask(ctx context.Context, prompt Prompt) (Choice, error) {
	return f(ctx, prompt)
}

func stamp(p Prompt) Prompt {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	return p
}
