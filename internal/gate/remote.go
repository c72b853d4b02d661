package gate

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Remote proxies prompts to the approval bridge. The bridge owns the actual
// user interaction (Telegram, a local UI polling /pending, ...).
type Remote struct {
	client      *resty.Client
	autoApprove bool
}

var _ Gate = (*Remote)(nil)

// NewRemote creates a gate talking to the bridge at bridgeURL
// (e.g. http://127.0.0.1:18790). With autoApprove set the bridge is never called.
func NewRemote(bridgeURL string, autoApprove bool) *Remote {
	return &Remote{
		client: resty.New().
			SetBaseURL(bridgeURL).
			SetHeader("Content-Type", "application/json"),
		autoApprove: autoApprove,
	}
}

// Ask posts the prompt and blocks until the bridge answers or ctx ends.
func (g *Remote) Ask(ctx context.Context, prompt Prompt) (Choice, error) {
	if g.autoApprove {
		return Approve, nil
	}
	prompt = stamp(prompt)

	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(prompt).
		Post("/request-permission")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, errors.Wrap(err, "bridge unreachable")
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, errors.Errorf("bridge returned status %d", resp.StatusCode())
	}
	var decision Decision
	if err := json.Unmarshal(resp.Body(), &decision); err != nil {
		return 0, errors.Wrap(err, "invalid bridge response")
	}
	if decision.ID != "" && decision.ID != prompt.ID {
		return 0, errors.Errorf("bridge answered prompt %s, asked %s", decision.ID, prompt.ID)
	}
	return ChoiceOf(decision.Approved), nil
}
