package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deploybot/deploybot/domain"
)

// EventKind names a lifecycle notification
type EventKind string

const (
	EventStarted            EventKind = "started"
	EventChecksPending      EventKind = "checks_pending"
	EventChecksPassed       EventKind = "checks_passed"
	EventChecksFailed       EventKind = "checks_failed"
	EventCheckError         EventKind = "check_error"
	EventSyncFailed         EventKind = "sync_failed"
	EventProvisionStarted   EventKind = "provision_started"
	EventProgress           EventKind = "progress"
	EventProvisionSucceeded EventKind = "provision_succeeded"
	EventProvisionFailed    EventKind = "provision_failed"
	EventAborted            EventKind = "aborted"
)

// Event is one notification about a deployment
type Event struct {
	Kind       EventKind
	Deployment Snapshot
	Checks     []domain.CheckResult
	Label      string
	Err        error
	LogPath    string
}

// Notifier delivers lifecycle notifications to operators
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{
		"layer", "notifier",
		"event", event.Kind,
		"target", event.Deployment.Target,
		"deployment_id", event.Deployment.ID,
		"tag", event.Deployment.Tag,
	}
	if event.Label != "" {
		attrs = append(attrs, "label", event.Label)
	}
	if len(event.Checks) > 0 {
		attrs = append(attrs, "checks", checkNames(event.Checks))
	}
	if event.LogPath != "" {
		attrs = append(attrs, "log_path", event.LogPath)
	}

	switch event.Kind {
	case EventChecksFailed, EventCheckError, EventSyncFailed, EventProvisionFailed:
		attrs = append(attrs, "error", event.Err)
		slog.ErrorContext(ctx, "Deployment notification", attrs...)
	default:
		slog.InfoContext(ctx, "Deployment notification", attrs...)
	}
	return nil
}

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier posts Slack-compatible messages to an incoming webhook
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to url
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Attachment is a colored block below a message
type Attachment struct {
	Color string `json:"color,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Message is the payload posted to the webhook
type Message struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(FormatMessage(event))
	if err != nil {
		return fmt.Errorf("failed to encode webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Error("Service operation failed",
			"layer", "notifier",
			"operation", "post_webhook",
			"event", event.Kind,
			"error", err)
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// FormatMessage renders an event as an operator-facing chat message
func FormatMessage(event Event) Message {
	d := event.Deployment
	header := fmt.Sprintf("[%s] %s deployment by %s", d.Target, d.Tag, d.Requester)

	switch event.Kind {
	case EventStarted:
		text := header + " started"
		if d.Args != "" {
			text += " with " + d.Args
		}
		return Message{Text: text}
	case EventChecksPending:
		return Message{
			Text: header + ": waiting for checks to complete",
			Attachments: []Attachment{{
				Color: "#dddd00",
				Title: "Pending checks",
				Text:  formatChecks(event.Checks),
			}},
		}
	case EventChecksPassed:
		return Message{Text: header + ": all checks passed"}
	case EventChecksFailed:
		return Message{
			Text: header + ": checks have failed",
			Attachments: []Attachment{{
				Color: "#ff0000",
				Title: "Failed checks",
				Text:  formatChecks(event.Checks),
			}},
		}
	case EventCheckError, EventSyncFailed:
		return Message{
			Text: header + " failed",
			Attachments: []Attachment{{
				Color: "#ff0000",
				Text:  domain.FormatErrorForUser(event.Err),
			}},
		}
	case EventProvisionStarted:
		return Message{Text: header + ": running playbook"}
	case EventProgress:
		return Message{Text: fmt.Sprintf("[%s] %s", d.Target, event.Label)}
	case EventProvisionSucceeded:
		return Message{
			Text: fmt.Sprintf("%s finished after %ds", header, d.Elapsed),
			Attachments: []Attachment{{
				Color: "#00aa00",
				Text:  "Deployment done",
			}},
		}
	case EventProvisionFailed:
		text := domain.FormatErrorForUser(event.Err)
		if event.LogPath != "" {
			text += "\nFull log: " + event.LogPath
		}
		return Message{
			Text: header + " failed",
			Attachments: []Attachment{{
				Color: "#ff0000",
				Title: "Provisioning failed",
				Text:  text,
			}},
		}
	case EventAborted:
		text := header + " aborted"
		if d.CancelledBy != "" {
			text += " by " + d.CancelledBy
		}
		return Message{Text: text}
	default:
		return Message{Text: fmt.Sprintf("%s: %s", header, event.Kind)}
	}
}

func formatChecks(checks []domain.CheckResult) string {
	lines := make([]string, len(checks))
	for i, c := range checks {
		lines[i] = fmt.Sprintf("%s: <%s|%s>", c.Repository, c.URL, c.CheckName)
	}
	return strings.Join(lines, "\n")
}

func checkNames(checks []domain.CheckResult) []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Repository + ": " + c.CheckName
	}
	return names
}
