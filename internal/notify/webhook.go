package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trackline/internal/config"
)

// WebhookSender POSTs a status-change payload to one configured endpoint.
type WebhookSender struct {
	Hook   config.WebhookConfig
	Client *http.Client
}

// NewWebhookSenders builds a sender per enabled webhook in the config.
func NewWebhookSenders(hooks []config.WebhookConfig) []Sender {
	var senders []Sender
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultSendTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		senders = append(senders, WebhookSender{
			Hook:   hook,
			Client: &http.Client{Timeout: timeout},
		})
	}
	return senders
}

func (s WebhookSender) Name() string { return "webhook:" + s.Hook.URL }

type webhookPayload struct {
	ReportID   string   `json:"report_id"`
	ProjectID  string   `json:"project_id"`
	Title      string   `json:"title"`
	OldStatus  string   `json:"old_status"`
	NewStatus  string   `json:"new_status"`
	ActorID    string   `json:"actor_id"`
	Recipients []string `json:"recipients"`
}

func (s WebhookSender) Send(ctx context.Context, c Change) error {
	recipients := []string{c.Report.ReporterID}
	if c.Report.AssigneeID != nil && *c.Report.AssigneeID != c.Report.ReporterID {
		recipients = append(recipients, *c.Report.AssigneeID)
	}
	data, err := json.Marshal(webhookPayload{
		ReportID:   c.Report.ID,
		ProjectID:  c.Report.ProjectID,
		Title:      c.Report.Title,
		OldStatus:  c.OldStatus,
		NewStatus:  c.NewStatus,
		ActorID:    c.Actor.ID,
		Recipients: recipients,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trackline-Event", "report.status_changed")
	req.Header.Set("X-Trackline-Report", c.Report.ID)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Trackline-Secret", s.Hook.Secret)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
