// Package notify posts job status changes to caller-supplied webhooks.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds one webhook call.
const DefaultTimeout = 10 * time.Second

// Payload is the JSON body sent to a webhook.
type Payload struct {
	MessageID      string         `json:"message_id"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	Message        string         `json:"message,omitempty"`
	TranslatedText string         `json:"translated_text,omitempty"`
	ModelUsed      string         `json:"model_used,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers webhooks without blocking the caller. Delivery errors
// are logged and otherwise ignored.
type Notifier struct {
	http *resty.Client
	wg   sync.WaitGroup

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)
}

// New returns a Notifier with the given per-call timeout.
func New(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "lokitd-webhook"),
	}
}

func (n *Notifier) log(format string, args ...any) {
	if n.OnLog != nil {
		n.OnLog(format, args...)
	}
}

func (n *Notifier) logError(format string, args ...any) {
	if n.OnError != nil {
		n.OnError(format, args...)
	}
}

// Notify sends p to url in the background. An empty url is a no-op. The
// translated text is only sent with a 100% payload.
func (n *Notifier) Notify(url string, p Payload) {
	if strings.TrimSpace(url) == "" {
		return
	}
	if p.Progress < 100 {
		p.TranslatedText = ""
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Send(context.Background(), url, p); err != nil {
			n.logError("webhook for %s failed: %v", p.MessageID, err)
			return
		}
		n.log("webhook for %s delivered (%s)", p.MessageID, p.Status)
	}()
}

// Send posts p synchronously.
func (n *Notifier) Send(ctx context.Context, url string, p Payload) error {
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(p).
		Post(url)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: %s", url, resp.Status())
	}
	return nil
}

// Wait blocks until background deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
