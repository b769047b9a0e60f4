// Package notify delivers priority-tiered operator notifications.
//
// Notifications are POSTed as JSON to a configured webhook. Delivery is
// best-effort with bounded retry: a notification that cannot be
// delivered is logged and dropped, never allowed to block an execution
// path — the incident files and the event stream remain the durable
// record. In dry-run mode nothing leaves the process.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Priority tiers an alert. Emergency and Highest exist so downstream
// routing (paging vs chat) can differ; the robot treats them the same.
type Priority string

const (
	Info      Priority = "info"
	Emergency Priority = "emergency"
	Highest   Priority = "highest"
)

// Message is the webhook payload.
type Message struct {
	Priority  Priority       `json:"priority"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Stream    string         `json:"stream,omitempty"`
	IntentID  string         `json:"intent_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp_utc"`
}

// Notifier posts messages to the operator webhook.
type Notifier struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger
}

// New creates a notifier with retry. An empty webhookURL forces dry-run.
func New(webhookURL string, timeout time.Duration, dryRun bool, logger *slog.Logger) *Notifier {
	if webhookURL == "" {
		dryRun = true
	}
	httpClient := resty.New().
		SetBaseURL(webhookURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Notifier{
		http:   httpClient,
		dryRun: dryRun,
		logger: logger.With("component", "notify"),
	}
}

// Send delivers one message. Errors are returned for the caller's log
// line but callers are expected to continue regardless.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	msg.Timestamp = time.Now().UTC()

	if n.dryRun {
		n.logger.Info("DRY-RUN: would notify",
			"priority", msg.Priority, "title", msg.Title, "intent_id", msg.IntentID)
		return nil
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(msg).
		Post("")
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("post notification: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
