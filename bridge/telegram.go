package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/gate"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	pollTimeout        = 30
)

// telegramClient sends prompts with inline approve/deny buttons and reads
// the button presses back through long polling.
type telegramClient struct {
	client *resty.Client
	chatID string
	logger *slog.Logger
	// retryDelay is how long poll waits after a failed getUpdates.
	retryDelay time.Duration
}

func newTelegramClient(apiBase, token, chatID string, logger *slog.Logger) *telegramClient {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &telegramClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(apiBase, "/")+"/bot"+token).
			SetHeader("Content-Type", "application/json").
			SetTimeout((pollTimeout + 15) * time.Second),
		chatID:     chatID,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type callbackQuery struct {
	ID      string `json:"id"`
	Data    string `json:"data"`
	Message *struct {
		MessageID int `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type update struct {
	UpdateID      int            `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

func (t *telegramClient) call(ctx context.Context, method string, payload, result any) error {
	var out apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&out).
		Post("/" + method)
	if err != nil {
		return errors.Wrap(err, method)
	}
	if resp.IsError() || !out.OK {
		return errors.Errorf("%s: status %d: %s", method, resp.StatusCode(), out.Description)
	}
	if result != nil {
		return errors.Wrap(json.Unmarshal(out.Result, result), method)
	}
	return nil
}

func (t *telegramClient) sendPrompt(ctx context.Context, p gate.Prompt) error {
	keyboard := [][]map[string]string{{
		{"text": promptButton(p.Kind), "callback_data": "approve:" + p.ID},
		{"text": "❌ Deny", "callback_data": "deny:" + p.ID},
	}}
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id":      t.chatID,
		"text":         formatPrompt(p),
		"parse_mode":   "HTML",
		"reply_markup": map[string]any{"inline_keyboard": keyboard},
	}, nil)
}

// poll long-polls for button presses until ctx ends, handing each
// decision to resolve.
func (t *telegramClient) poll(ctx context.Context, resolve func(id string, approved bool) error) {
	offset := 0
	for ctx.Err() == nil {
		next, err := t.pollOnce(ctx, offset, resolve)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("Telegram poll error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retryDelay):
			}
			continue
		}
		offset = next
	}
}

func (t *telegramClient) pollOnce(ctx context.Context, offset int, resolve func(id string, approved bool) error) (int, error) {
	var updates []update
	err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"callback_query"},
	}, &updates)
	if err != nil {
		return offset, err
	}

	for _, u := range updates {
		offset = u.UpdateID + 1
		cq := u.CallbackQuery
		if cq == nil {
			continue
		}
		action, id, ok := strings.Cut(cq.Data, ":")
		if !ok || (action != "approve" && action != "deny") {
			continue
		}
		approved := action == "approve"

		t.logger.Info("Telegram callback", "action", action, "id", id)
		label := "✅ Approved"
		if !approved {
			label = "❌ Denied"
		}
		if err := resolve(id, approved); err != nil {
			label = "⌛ No longer pending"
		}

		if err := t.call(ctx, "answerCallbackQuery", map[string]any{
			"callback_query_id": cq.ID,
			"text":              label,
		}, nil); err != nil {
			t.logger.Warn("Telegram answerCallbackQuery failed", "error", err)
		}
		if cq.Message != nil {
			if err := t.call(ctx, "editMessageText", map[string]any{
				"chat_id":    cq.Message.Chat.ID,
				"message_id": cq.Message.MessageID,
				"text":       cq.Message.Text + "\n\n" + label,
			}, nil); err != nil {
				t.logger.Warn("Telegram editMessageText failed", "error", err)
			}
		}
	}
	return offset, nil
}

func promptButton(kind gate.Kind) string {
	switch kind {
	case gate.KindSession:
		return "🔗 Connect"
	case gate.KindSign:
		return "✍️ Sign"
	case gate.KindTransaction:
		return "💸 Send"
	default:
		return "✅ Approve"
	}
}

func formatPrompt(p gate.Prompt) string {
	var b strings.Builder

	switch p.Kind {
	case gate.KindSession:
		b.WriteString("🔗 <b>Session Request</b>\n\n")
	case gate.KindSign:
		b.WriteString("✍️ <b>Signature Request</b>\n\n")
	case gate.KindTransaction:
		b.WriteString("💸 <b>Transaction Request</b>\n\n")
	default:
		b.WriteString("🔐 <b>Permission Request</b>\n\n")
		fmt.Fprintf(&b, "<b>Type:</b> %s\n", html.EscapeString(string(p.Kind)))
	}

	fmt.Fprintf(&b, "<b>App:</b> <code>%s</code>\n", html.EscapeString(p.App))
	if p.Origin != "" {
		fmt.Fprintf(&b, "<b>Origin:</b> %s\n", html.EscapeString(p.Origin))
	}
	if p.Account != "" {
		fmt.Fprintf(&b, "<b>Account:</b> <code>%s</code>\n", html.EscapeString(p.Account))
	}
	if did, ok := p.ExtraData["did"]; ok {
		fmt.Fprintf(&b, "<b>Identity:</b> <code>%s</code>\n", html.EscapeString(fmt.Sprint(did)))
	}
	if p.Message != "" {
		fmt.Fprintf(&b, "<b>Details:</b> %s\n", html.EscapeString(p.Message))
	}
	return b.String()
}
