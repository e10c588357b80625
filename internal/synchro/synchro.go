// Package synchro propagates cache invalidations across processes over redis
// pub/sub. Each user has a channel "cache.<userId>", subscribed lazily when
// the process first caches that user; whole-user invalidations travel on the
// shared "cache.unset-user" channel. Messages carry the origin process id so
// a process never re-applies its own emissions.
package synchro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pryv/open-pryv.io-sub006/internal/cache"
)

const unsetUserChannel = "cache.unset-user"

func userChannel(userID string) string { return "cache." + userID }

// Synchro is the redis-backed invalidation bus. It implements
// cache.Publisher.
type Synchro struct {
	client   *redis.Client
	originID string
	log      *slog.Logger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	listeners map[string]struct{}
	cancel    context.CancelFunc
}

// New creates a Synchro over the given redis client.
func New(client *redis.Client, logger *slog.Logger) *Synchro {
	return &Synchro{
		client:    client,
		originID:  uuid.New().String(),
		log:       logger.With("component", "synchro"),
		listeners: make(map[string]struct{}),
	}
}

// Start subscribes to the shared channel and begins delivering remote
// invalidations to handler. It returns once the subscription is live.
func (s *Synchro) Start(ctx context.Context, handler func(cache.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return fmt.Errorf("synchro already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pubsub = s.client.Subscribe(ctx, unsetUserChannel)

	// Force the subscription to be established before returning.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		cancel()
		s.pubsub = nil
		return fmt.Errorf("subscribe %s: %w", unsetUserChannel, err)
	}

	ch := s.pubsub.Channel()
	go s.receive(runCtx, ch, handler)
	return nil
}

func (s *Synchro) receive(ctx context.Context, ch <-chan *redis.Message, handler func(cache.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg cache.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.log.Warn("dropping malformed invalidation", "channel", m.Channel, "error", err)
				continue
			}
			if msg.Origin == s.originID {
				continue
			}
			handler(msg)
		}
	}
}

// Publish sends an invalidation, stamped with this process's origin id.
func (s *Synchro) Publish(ctx context.Context, msg cache.Message) error {
	msg.Origin = s.originID
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	channel := userChannel(msg.UserID)
	if msg.Action == cache.ActionUnsetUser {
		channel = unsetUserChannel
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// EnsureListener subscribes to a user's channel, once.
func (s *Synchro) EnsureListener(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return
	}
	if _, ok := s.listeners[userID]; ok {
		return
	}
	if err := s.pubsub.Subscribe(context.Background(), userChannel(userID)); err != nil {
		s.log.Warn("subscribe failed", "userId", userID, "error", err)
		return
	}
	s.listeners[userID] = struct{}{}
}

// RemoveListener drops a user's channel subscription.
func (s *Synchro) RemoveListener(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return
	}
	if _, ok := s.listeners[userID]; !ok {
		return
	}
	if err := s.pubsub.Unsubscribe(context.Background(), userChannel(userID)); err != nil {
		s.log.Warn("unsubscribe failed", "userId", userID, "error", err)
	}
	delete(s.listeners, userID)
}

// Close stops the receive loop and closes the subscription.
func (s *Synchro) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return nil
	}
	s.cancel()
	err := s.pubsub.Close()
	s.pubsub = nil
	return err
}
