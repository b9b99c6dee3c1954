package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivedesk/hivedesk/internal/models"
)

type webhookLister interface {
	ListActiveForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error)
}

type delivery struct {
	webhook *models.Webhook
	payload []byte
	event   string
	id      string
	attempt int
}

// Dispatcher delivers event payloads to subscribed endpoints through a
// bounded queue and a fixed worker pool. Delivery is at-least-once: failed
// attempts are retried with backoff until the attempt budget runs out, and
// Close drains everything already queued before returning.
type Dispatcher struct {
	webhooks webhookLister
	client   *http.Client
	logger   *log.Logger

	queue       chan *delivery
	workers     int
	maxAttempts int
	backoff     time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// NewDispatcher builds and starts a dispatcher. Call Close to drain it.
func NewDispatcher(webhooks webhookLister, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		webhooks:    webhooks,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      log.Default(),
		queue:       make(chan *delivery, 256),
		workers:     4,
		maxAttempts: 3,
		backoff:     2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// WithDispatcherClient overrides the HTTP client used for deliveries.
func WithDispatcherClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDispatcherWorkers sets the delivery worker count.
func WithDispatcherWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatcherMaxAttempts sets the per-delivery attempt budget.
func WithDispatcherMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatcherBackoff sets the base delay between delivery attempts.
func WithDispatcherBackoff(backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if backoff > 0 {
			d.backoff = backoff
		}
	}
}

// WithDispatcherLogger overrides the logger used for diagnostics.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Notify looks up the subscribers for an event and queues one delivery per
// endpoint. The lookup is synchronous; deliveries run on the worker pool.
func (d *Dispatcher) Notify(ctx context.Context, event string, data any) {
	subscribers, err := d.webhooks.ListActiveForEvent(ctx, event)
	if err != nil {
		d.logger.Printf("webhook: list subscribers for %s failed: %v", event, err)
		return
	}
	if len(subscribers) == 0 {
		return
	}

	payload := Payload{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Printf("webhook: marshal payload for %s failed: %v", event, err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Printf("webhook: dispatcher closed, dropping %s", event)
		return
	}
	for _, wh := range subscribers {
		dlv := &delivery{webhook: wh, payload: body, event: event, id: payload.ID, attempt: 1}
		select {
		case d.queue <- dlv:
		default:
			d.logger.Printf("webhook: delivery queue full, dropping %s for %s", event, wh.URL)
		}
	}
}

// Close stops accepting new deliveries and blocks until the workers have
// drained everything already queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for dlv := range d.queue {
		d.deliver(dlv)
	}
}

// deliver runs the full attempt budget for one delivery on the worker that
// picked it up, so a drain on Close still honors at-least-once.
func (d *Dispatcher) deliver(dlv *delivery) {
	for {
		err := d.post(dlv)
		if err == nil {
			return
		}
		d.logger.Printf("webhook: delivery %s to %s attempt %d failed: %v", dlv.id, dlv.webhook.URL, dlv.attempt, err)
		if dlv.attempt >= d.maxAttempts {
			d.logger.Printf("webhook: delivery %s to %s gave up after %d attempts", dlv.id, dlv.webhook.URL, dlv.attempt)
			return
		}
		time.Sleep(d.backoff * time.Duration(dlv.attempt))
		dlv.attempt++
	}
}

func (d *Dispatcher) post(dlv *delivery) error {
	timeout := d.client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dlv.webhook.URL, bytes.NewReader(dlv.payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Hivedesk-Webhook/1.0")
	req.Header.Set(HeaderEvent, dlv.event)
	req.Header.Set(HeaderDelivery, dlv.id)
	if dlv.webhook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(dlv.payload, dlv.webhook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 signature subscribers use to verify payloads.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
