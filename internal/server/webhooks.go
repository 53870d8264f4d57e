package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orion/internal/config"
	"orion/internal/progress"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBuffer  = 256
)

type webhookDispatcher struct {
	hook   config.Webhook
	filter eventFilter
	client *http.Client
	logger *slog.Logger
}

// StartWebhooks subscribes one dispatcher per configured hook. The returned
// func unsubscribes them all.
func StartWebhooks(bc *progress.Broadcaster, hooks []config.Webhook, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	subs := make([]*progress.Subscription, 0, len(hooks))
	for _, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d := &webhookDispatcher{
			hook:   hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: defaultWebhookTimeout},
			logger: logger.With("webhook", hook.URL),
		}
		subs = append(subs, bc.SubscribeFunc(defaultWebhookBuffer, d.deliver))
	}
	return func() {
		for _, s := range subs {
			bc.Unsubscribe(s)
		}
	}
}

func (d *webhookDispatcher) deliver(evt progress.Event) {
	if !d.filter.match(string(evt.Type)) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWebhookTimeout)
	defer cancel()
	if err := d.postEvent(ctx, evt); err != nil {
		d.logger.Warn("webhook delivery failed", "event", evt.Type, "error", err)
	}
}

func (d *webhookDispatcher) postEvent(ctx context.Context, evt progress.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orion-Event", string(evt.Type))
	if evt.ProjectID != "" {
		req.Header.Set("X-Orion-Project", evt.ProjectID)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
