package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doctranslate/internal/config"
)

const userAgent = "doctranslate/0.1"

// Event identifies a notification kind.
type Event string

const (
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
	EventJobExpired   Event = "job_expired"
	EventError        Event = "error"
	EventTest         Event = "test"
)

// Payload carries event fields. Keys used: name, job, kind, status,
// languages, error, context.
type Payload map[string]any

// Service publishes notifications.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notifier backed by ntfy when a topic is configured,
// and a no-op otherwise.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventJobCompleted: cfg.Notifications.Completed,
			EventJobFailed:    cfg.Notifications.Failed,
			EventJobExpired:   cfg.Notifications.Expired,
			EventError:        true,
			EventTest:         true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	name := payload.text("name", "job "+payload.text("job", "unknown"))
	switch event {
	case EventJobCompleted:
		body := "✅ Ready: " + name
		if langs := payload.text("languages", ""); langs != "" {
			body += " (" + langs + ")"
		}
		return message{
			title: "doctranslate - Job Complete",
			body:  body,
			tags:  []string{"doctranslate", payload.text("kind", "job"), "completed"},
		}, true
	case EventJobFailed:
		status := payload.text("status", "FAILED")
		return message{
			title:    "doctranslate - Job " + titleCase(status),
			body:     fmt.Sprintf("❌ %s ended %s", name, status),
			tags:     []string{"doctranslate", payload.text("kind", "job"), "failed"},
			priority: "high",
		}, true
	case EventJobExpired:
		return message{
			title: "doctranslate - Job Expired",
			body:  "🗑️ Content removed: " + name,
			tags:  []string{"doctranslate", "lifecycle", "expired"},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := payload.text("context", ""); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		builder.WriteString(payload.text("error", "unknown"))
		return message{
			title:    "doctranslate - Error",
			body:     builder.String(),
			tags:     []string{"doctranslate", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "doctranslate - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"doctranslate", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key, fallback string) string {
	switch v := p[key].(type) {
	case nil:
		return fallback
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return fallback
	case error:
		return strings.TrimSpace(v.Error())
	case []string:
		if len(v) == 0 {
			return fallback
		}
		return strings.Join(v, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func titleCase(status string) string {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(status, "_", " ")))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
