package notification

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
)

// NoticeTTL is how long an undismissed notice stays listed.
const NoticeTTL = 10 * time.Minute

// Notice is a dismissible operator message.
type Notice struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	CreatedAt time.Time `json:"createdAt"`
	// Key groups repeats of the same condition; at most one notice per key is listed.
	Key string `json:"key,omitempty"`
}

// NewNotice creates a notice with a fresh id.
func NewNotice(message string, retryable bool) Notice {
	return Notice{ID: uuid.NewString(), Message: message, Retryable: retryable, CreatedAt: time.Now().UTC()}
}

// NewKeyedNotice creates a notice that replaces any listed notice with the same key.
func NewKeyedNotice(key, message string, retryable bool) Notice {
	n := NewNotice(message, retryable)
	n.Key = key
	return n
}

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

// Broadcaster delivers a notice to connected dashboards.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// WorkerPool manages a pool of workers delivering notices to dashboards and to operators'
// browsers.
type WorkerPool struct {
	size        int
	jobs        chan Notice
	db          *gorm.DB
	webpush     *webpush.Options
	sender      NotificationSender
	broadcaster Broadcaster
	recent      *cache.Cache
	keys        *cache.Cache // notice key -> listed notice id
	mu          sync.Mutex
}

// NewWorkerPool creates a new worker pool. broadcaster may be nil.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, broadcaster Broadcaster) *WorkerPool {
	return &WorkerPool{
		size:        size,
		jobs:        make(chan Notice, size*16),
		db:          db,
		webpush:     webpushOptions,
		sender:      &WebPushSender{},
		broadcaster: broadcaster,
		recent:      cache.New(NoticeTTL, 2*NoticeTTL),
		keys:        cache.New(NoticeTTL, 2*NoticeTTL),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notice worker %d started", id)
	for {
		select {
		case n := <-wp.jobs:
			wp.deliver(ctx, n)
		case <-ctx.Done():
			log.Printf("Notice worker %d shutting down", id)
			return
		}
	}
}

// Notify lists the notice and queues it for delivery without blocking. When the queue is full
// the notice stays listed but is not pushed. A keyed notice whose key is still listed only
// refreshes the listed one and is not delivered again.
func (wp *WorkerPool) Notify(n Notice) {
	if n.Key != "" && wp.refresh(n) {
		metrics.NoticesSent.WithLabelValues("queue", "deduplicated").Inc()
		return
	}
	wp.recent.Set(n.ID, n, cache.DefaultExpiration)
	select {
	case wp.jobs <- n:
	default:
		metrics.NoticesSent.WithLabelValues("queue", "dropped").Inc()
		log.Printf("Notice queue full; not delivering %q", n.Message)
	}
}

func (wp *WorkerPool) refresh(n Notice) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if id, ok := wp.keys.Get(n.Key); ok {
		if v, ok := wp.recent.Get(id.(string)); ok {
			listed := v.(Notice)
			listed.Message, listed.Retryable = n.Message, n.Retryable
			wp.recent.Set(listed.ID, listed, cache.DefaultExpiration)
			wp.keys.Set(n.Key, listed.ID, cache.DefaultExpiration)
			return true
		}
	}
	wp.keys.Set(n.Key, n.ID, cache.DefaultExpiration)
	return false
}

// Active returns the undismissed notices, oldest first.
func (wp *WorkerPool) Active() []Notice {
	items := wp.recent.Items()
	out := make([]Notice, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Notice))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Dismiss removes a notice from the list. It reports whether the notice was listed.
func (wp *WorkerPool) Dismiss(id string) bool {
	if _, ok := wp.recent.Get(id); !ok {
		return false
	}
	wp.recent.Delete(id)
	return true
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notice {
	return wp.jobs
}

func (wp *WorkerPool) deliver(ctx context.Context, n Notice) {
	if wp.broadcaster != nil {
		status := "ok"
		if err := wp.broadcaster.Broadcast("NOTICE", n); err != nil {
			status = "error"
		}
		metrics.NoticesSent.WithLabelValues("dashboard", status).Inc()
	}

	if wp.db == nil || wp.webpush == nil || wp.webpush.VAPIDPrivateKey == "" {
		return
	}
	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Find(&subscriptions).Error; err != nil {
		log.Printf("Error fetching push subscriptions: %v", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("Error encoding notice %s: %v", n.ID, err)
		return
	}
	log.Printf("Sending notice %s to %d subscriptions", n.ID, len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.NoticesSent.WithLabelValues("push", "error").Inc()
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()
	metrics.NoticesSent.WithLabelValues("push", "ok").Inc()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
