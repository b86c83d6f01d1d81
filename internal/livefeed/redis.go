// Package livefeed carries per-sitter live locations over Redis pub/sub. Each sitter has a
// channel "<prefix>:<workerID>"; the latest fix is also kept at "<prefix>:last:<workerID>" so a
// fresh subscription starts with the current value.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"sitter-tracking-backend/config"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/subscription"
)

// LastValueTTL bounds how long a published fix is offered to new subscribers.
const LastValueTTL = 12 * time.Hour

const subscribeTimeout = 5 * time.Second

// ErrInvalidPayload is returned for messages that are neither null nor a usable location.
var ErrInvalidPayload = errors.New("invalid live location payload")

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

// Keys builds the channel and key names for a prefix.
type Keys struct {
	Prefix string
}

// Channel returns the pub/sub channel of a worker.
func (k Keys) Channel(workerID string) string {
	return k.Prefix + ":" + workerID
}

// Last returns the key holding a worker's latest fix.
func (k Keys) Last(workerID string) string {
	return k.Prefix + ":last:" + workerID
}

// DecodePayload parses a message body. "null" decodes to a nil location.
func DecodePayload(data []byte) (*model.Location, error) {
	var loc *model.Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if loc == nil {
		return nil, nil
	}
	if err := Validate(*loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(loc *model.Location) ([]byte, error) {
	return json.Marshal(loc)
}

// Validate checks that a fix has usable coordinates and a timestamp.
func Validate(loc model.Location) error {
	switch {
	case math.IsNaN(loc.Lat) || math.IsNaN(loc.Lng) || math.IsInf(loc.Lat, 0) || math.IsInf(loc.Lng, 0):
		return fmt.Errorf("%w: non-finite coordinates", ErrInvalidPayload)
	case loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180:
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	case loc.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidPayload)
	}
	return nil
}

// Source opens live location subscriptions on Redis.
type Source struct {
	client *redis.Client
	keys   Keys
}

// NewSource creates a Source using channels under prefix.
func NewSource(client *redis.Client, prefix string) *Source {
	return &Source{client: client, keys: Keys{Prefix: prefix}}
}

// Subscribe opens the worker's channel and delivers the stored latest fix followed by every
// published message. The handler runs on the subscription's own goroutine.
func (s *Source) Subscribe(ctx context.Context, workerID string, h subscription.Handler) (subscription.Subscription, error) {
	channel := s.keys.Channel(workerID)
	ctx, cancel := context.WithCancel(ctx)
	ps := s.client.Subscribe(ctx, channel)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, subscribeTimeout)
	defer confirmCancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, cancel: cancel}
	go s.relay(ctx, workerID, ps, h)
	return sub, nil
}

func (s *Source) relay(ctx context.Context, workerID string, ps *redis.PubSub, h subscription.Handler) {
	raw, err := s.client.Get(ctx, s.keys.Last(workerID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		if ctx.Err() == nil {
			log.Printf("Error reading last location of worker %s: %v", workerID, err)
		}
	default:
		if loc, err := DecodePayload(raw); err != nil {
			log.Printf("Ignoring stored location of worker %s: %v", workerID, err)
		} else {
			h(loc)
		}
	}

	for msg := range ps.Channel() {
		loc, err := DecodePayload([]byte(msg.Payload))
		if err != nil {
			log.Printf("Ignoring message on %s: %v", msg.Channel, err)
			continue
		}
		h(loc)
	}
}

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Close unsubscribes and stops the relay goroutine. Repeated calls return the first result.
func (r *redisSubscription) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.err = r.ps.Close()
	})
	return r.err
}

// Publisher writes live fixes for sitters.
type Publisher struct {
	client *redis.Client
	keys   Keys
}

// NewPublisher creates a Publisher using channels under prefix.
func NewPublisher(client *redis.Client, prefix string) *Publisher {
	return &Publisher{client: client, keys: Keys{Prefix: prefix}}
}

// Publish stores loc as the worker's latest fix and broadcasts it. A nil loc reports that the
// worker has no signal.
func (p *Publisher) Publish(ctx context.Context, workerID string, loc *model.Location) error {
	if loc != nil {
		if err := Validate(*loc); err != nil {
			return err
		}
	}
	payload, err := EncodePayload(loc)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.keys.Last(workerID), payload, LastValueTTL)
	pipe.Publish(ctx, p.keys.Channel(workerID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing location of worker %s: %w", workerID, err)
	}
	return nil
}
