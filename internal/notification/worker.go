package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/metrics"
	"winedispense-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the slice of the store the workers need.
type SubscriptionStore interface {
	SubscriptionsForTerminal(ctx context.Context, terminalID int64) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Alert reports a slot whose remaining volume dropped below the alert threshold.
type Alert struct {
	TerminalID      int64   `json:"terminal_id"`
	SlotNumber      int     `json:"slot_number"`
	BottleID        int64   `json:"bottle_id"`
	BottleName      string  `json:"bottle_name,omitempty"`
	RemainingVolume float64 `json:"remaining_volume"`
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Alert
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	store   SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s SubscriptionStore, webpushOptions *webpush.Options, log *logger.Logger, m *metrics.Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*16),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
		metrics: m,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wctx := wp.log.WithField(ctx, "worker", id)
	wp.log.Debug(wctx, "notification worker started")
	for {
		select {
		case alert := <-wp.jobs:
			wp.sendAlert(wctx, alert)
		case <-ctx.Done():
			wp.log.Debug(wctx, "notification worker shutting down")
			return
		}
	}
}

// Dispatch queues an alert. It never blocks the caller; when the queue is
// full the alert is dropped and false is returned.
func (wp *WorkerPool) Dispatch(alert Alert) bool {
	select {
	case wp.jobs <- alert:
		return true
	default:
		wp.metrics.IncPush("dropped")
		wp.log.Warn(wp.log.WithField(context.Background(), "terminal_id", alert.TerminalID), "notification queue full, alert dropped")
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

func (wp *WorkerPool) sendAlert(ctx context.Context, alert Alert) {
	ctx = wp.log.WithFields(ctx, map[string]any{"terminal_id": alert.TerminalID, "slot_number": alert.SlotNumber})

	subscriptions, err := wp.store.SubscriptionsForTerminal(ctx, alert.TerminalID)
	if err != nil {
		wp.log.Error(ctx, "failed to load subscriptions", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	body, err := json.Marshal(buildPayload(alert))
	if err != nil {
		wp.log.Error(ctx, "failed to encode notification", err)
		return
	}
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, body)
	}
}

func buildPayload(alert Alert) payload {
	label := alert.BottleName
	if label == "" {
		label = fmt.Sprintf("bottle %d", alert.BottleID)
	}
	return payload{
		Title: fmt.Sprintf("Terminal %d is running low", alert.TerminalID),
		Body:  fmt.Sprintf("Slot %d (%s) has %.0f ml left", alert.SlotNumber, label, alert.RemainingVolume),
		Alert: alert,
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, body []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(body, wpSub, wp.webpush)
	if err != nil {
		wp.metrics.IncPush("failed")
		wp.log.Error(wp.log.WithField(ctx, "endpoint", sub.Endpoint), "failed to send notification", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.metrics.IncPush("expired")
		wp.log.Info(wp.log.WithField(ctx, "endpoint", sub.Endpoint), "subscription expired, deleting")
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Error(ctx, "failed to delete expired subscription", err)
		}
		return
	}
	wp.metrics.IncPush("sent")
}
