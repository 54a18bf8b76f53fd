// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook delivers daemon events to external HTTP endpoints.
// Delivery is best-effort with bounded retries; a webhook failure never
// influences a hook decision or a workflow transition.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
)

// Aliases accepted in an endpoint's event list besides raw bus event types.
const (
	EventOnComplete = "on_complete"
	EventOnFailure  = "on_failure"
)

// Endpoint is one configured outbound webhook.
type Endpoint struct {
	URL string

	// Events lists subscribed types: raw bus event types, or the
	// on_complete / on_failure aliases over pipeline and agent outcomes.
	Events []string

	// Transform is an optional jq expression applied to the payload.
	Transform string

	// MaxRetries bounds delivery attempts past the first. Default 3.
	MaxRetries int
}

// Config tunes the dispatcher.
type Config struct {
	// RetryBase is the first backoff delay, doubled per attempt. Default 500ms.
	RetryBase time.Duration
	// RequestTimeout bounds one POST. Default 10s.
	RequestTimeout time.Duration
	// TransformTimeout bounds one jq run. Default 1s.
	TransformTimeout time.Duration
	// QueueSize bounds pending deliveries; overflow is dropped. Default 256.
	QueueSize int
}

type target struct {
	endpoint Endpoint
	code     *gojq.Code
}

type delivery struct {
	target *target
	event  bus.Event
}

// Dispatcher fans matching events out to endpoints from a single worker.
type Dispatcher struct {
	store   *store.Store
	logger  *slog.Logger
	client  *http.Client
	cfg     Config
	targets []*target

	queue chan delivery
	wg    sync.WaitGroup
}

// New compiles endpoint transforms and builds the dispatcher. Endpoints
// with an invalid transform are kept; their payloads go out untransformed.
func New(s *store.Store, endpoints []Endpoint, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "webhook")
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TransformTimeout <= 0 {
		cfg.TransformTimeout = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	d := &Dispatcher{
		store:  s,
		logger: logger,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		queue:  make(chan delivery, cfg.QueueSize),
	}
	for _, ep := range endpoints {
		t := &target{endpoint: ep}
		if t.endpoint.MaxRetries <= 0 {
			t.endpoint.MaxRetries = 3
		}
		if ep.Transform != "" {
			query, err := gojq.Parse(ep.Transform)
			if err != nil {
				logger.Warn("invalid webhook transform", "url", ep.URL, log.Error(err))
			} else if code, err := gojq.Compile(query); err != nil {
				logger.Warn("webhook transform compile failed", "url", ep.URL, log.Error(err))
			} else {
				t.code = code
			}
		}
		d.targets = append(d.targets, t)
	}
	return d
}

// Attach subscribes the dispatcher to the bus and starts the delivery
// worker. Run until ctx ends.
func (d *Dispatcher) Attach(ctx context.Context, b *bus.Bus) {
	b.SubscribeFunc(func(e bus.Event) {
		for _, t := range d.targets {
			if !t.matches(e) {
				continue
			}
			select {
			case d.queue <- delivery{target: t, event: e}:
			default:
				d.logger.Warn("webhook queue full, dropping event",
					"url", t.endpoint.URL, log.EventKey, string(e.Type))
			}
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case dv := <-d.queue:
				d.deliver(ctx, dv.target, dv.event)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// matches applies the endpoint's event list to one event.
func (t *target) matches(e bus.Event) bool {
	for _, want := range t.endpoint.Events {
		switch want {
		case string(e.Type):
			return true
		case EventOnComplete:
			if isOutcome(e, true) {
				return true
			}
		case EventOnFailure:
			if isOutcome(e, false) {
				return true
			}
		}
	}
	return false
}

// isOutcome classifies pipeline and agent terminal events by success.
func isOutcome(e bus.Event, success bool) bool {
	var status string
	switch e.Type {
	case bus.PipelineFinished:
		status, _ = e.Payload["status"].(string)
		if success {
			return status == string(store.PipelineCompleted)
		}
		return status == string(store.PipelineFailed)
	case bus.AgentCompleted:
		status, _ = e.Payload["status"].(string)
		if success {
			return status == string(store.RunSuccess)
		}
		return status == string(store.RunError) || status == string(store.RunTimeout)
	}
	return false
}

// deliver POSTs one event with capped exponential backoff and records the
// outcome. Failures are logged, never propagated.
func (d *Dispatcher) deliver(ctx context.Context, t *target, e bus.Event) {
	body, err := d.render(ctx, t, e)
	if err != nil {
		d.logger.Warn("webhook payload render failed", "url", t.endpoint.URL, log.Error(err))
		d.record(ctx, t, e, "failed", 0, err)
		return
	}

	attempts := 0
	var lastErr error
	for attempts <= t.endpoint.MaxRetries {
		attempts++
		lastErr = d.post(ctx, t.endpoint.URL, body)
		if lastErr == nil {
			d.record(ctx, t, e, "delivered", attempts, nil)
			return
		}
		if attempts > t.endpoint.MaxRetries {
			break
		}
		backoff := d.cfg.RetryBase << (attempts - 1)
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			d.record(ctx, t, e, "failed", attempts, lastErr)
			return
		case <-time.After(backoff):
		}
	}

	d.logger.Warn("webhook delivery gave up",
		"url", t.endpoint.URL, "attempts", attempts, log.Error(lastErr))
	d.record(ctx, t, e, "failed", attempts, lastErr)
}

// render builds the JSON body, applying the endpoint's jq transform when
// one compiled.
func (d *Dispatcher) render(ctx context.Context, t *target, e bus.Event) ([]byte, error) {
	payload := map[string]any{
		"type":       string(e.Type),
		"session_id": e.SessionID,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"payload":    e.Payload,
	}

	var out any = payload
	if t.code != nil {
		// gojq needs plain JSON shapes.
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var plain any
		if err := json.Unmarshal(raw, &plain); err != nil {
			return nil, err
		}

		tctx, cancel := context.WithTimeout(ctx, d.cfg.TransformTimeout)
		defer cancel()
		iter := t.code.RunWithContext(tctx, plain)
		v, ok := iter.Next()
		if !ok {
			v = nil
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("transform: %w", err)
		}
		out = v
	}
	return json.Marshal(out)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, t *target, e bus.Event, status string, attempts int, err error) {
	rec := &store.WebhookDelivery{
		URL:       t.endpoint.URL,
		EventType: string(e.Type),
		Status:    status,
		Attempts:  attempts,
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	if putErr := d.store.RecordWebhookDelivery(ctx, rec); putErr != nil {
		d.logger.Warn("recording webhook delivery", "url", t.endpoint.URL, log.Error(putErr))
	}
}
