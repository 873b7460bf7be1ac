package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Webhook string `json:"webhook" yaml:"webhook"`
	NtfyURL string `json:"ntfy" yaml:"ntfy"`
}

// Notifier alerts an operator when an automation step fails.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify posts l to the configured webhook and ntfy topic. Delivery
// failures are logged and otherwise ignored.
func (n *Notifier) Notify(l events.ActionLog) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(l)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(l)
	}
}

type webhookPayload struct {
	Session   string `json:"session"`
	LogID     string `json:"logId"`
	Action    string `json:"action"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(l events.ActionLog) {
	payload := webhookPayload{
		Session:   l.SessionID,
		LogID:     l.ID,
		Action:    l.Action,
		Type:      string(l.Type),
		Status:    string(l.Status),
		Details:   l.Details,
		Timestamp: l.Timestamp.UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(l events.ActionLog) {
	msg := l.Action
	if l.Details != "" {
		msg = fmt.Sprintf("%s · %s", l.Action, l.Details)
	}
	payload := ntfyPayload{
		Title:    fmt.Sprintf("session %s hit an error", l.SessionID),
		Message:  msg,
		Priority: 4,
		Tags:     []string{"rotating_light"},
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(target, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+target+" post failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+target+" rejected", "status", resp.StatusCode)
	}
}
