package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/logger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	dealer   string
	webhooks []config.Webhook
	client   *http.Client
	log      *logger.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher polls the event log and posts new events to every configured hook
// until ctx is done. Each hook starts from the log head at startup.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) {
	d := newWebhookDispatcher(e)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	log := e.Log
	if log == nil {
		log = logger.Nop()
	}
	return &webhookDispatcher{
		engine:   e,
		dealer:   e.Config.Dealer.ID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	var g errgroup.Group
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		g.Go(func() error {
			d.dispatchWebhook(ctx, i, hook)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("delivery failed", "hook", hook.ID, "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.log.Warn("init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// delivery is the body posted to a hook.
type delivery struct {
	ID         int64           `json:"id"`
	Event      string          `json:"event"`
	Dealer     string          `json:"dealer,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (d *webhookDispatcher) newDelivery(evt domain.Event) delivery {
	out := delivery{
		ID:         evt.ID,
		Event:      evt.Type,
		Dealer:     d.dealer,
		ActorID:    evt.ActorID,
		OccurredAt: evt.TS,
		Data:       json.RawMessage(`{}`),
	}
	if evt.EntityKind == "negotiation" {
		out.SessionID = evt.EntityID
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Data = json.RawMessage(evt.Payload)
	default:
		raw, _ := json.Marshal(map[string]string{"raw": evt.Payload})
		out.Data = raw
	}
	return out
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := json.Marshal(d.newDelivery(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealdesk-Event", evt.Type)
	req.Header.Set("X-Dealdesk-Delivery", strconv.FormatInt(evt.ID, 10))
	if hook.Secret != "" {
		req.Header.Set("X-Dealdesk-Signature", signPayload(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("hook answered %d: %s", res.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// signPayload returns the X-Dealdesk-Signature value for body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types against a hook subscription. Entries are
// exact types or a family such as "negotiation.*". No entries means every event.
type eventFilter struct {
	exact    map[string]bool
	families []string
}

func newEventFilter(subscribed []string) eventFilter {
	f := eventFilter{exact: map[string]bool{}}
	for _, s := range subscribed {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
		case s == "*":
			return eventFilter{}
		case strings.HasSuffix(s, ".*"):
			f.families = append(f.families, strings.TrimSuffix(s, "*"))
		default:
			f.exact[s] = true
		}
	}
	if len(f.exact) == 0 && len(f.families) == 0 {
		return eventFilter{}
	}
	return f
}

func (f eventFilter) match(typ string) bool {
	if f.exact == nil {
		return true
	}
	if f.exact[typ] {
		return true
	}
	for _, prefix := range f.families {
		if strings.HasPrefix(typ, prefix) {
			return true
		}
	}
	return false
}
