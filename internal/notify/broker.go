package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	redisclient "github.com/schoolkiosk/kiosk-relay-go/internal/redis"
)

const subscriberBuffer = 64

type Subscription struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}

	topic *topic
	once  sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.Done) })
}

type topic struct {
	subs   map[*Subscription]bool
	ready  chan struct{}
	err    error
	cancel context.CancelFunc
}

// Broker fans session events out to local subscribers. With a Redis client, events travel
// through pub/sub so every server instance sees them; without one, delivery is in-process.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*topic // sessionID -> subscribers
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe returns once the subscription is live, so any event published after it
// returns is delivered to the subscriber.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	sub := &Subscription{
		SessionID: sessionID,
		Events:    make(chan Event, subscriberBuffer),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if !ok {
		topicCtx, cancel := context.WithCancel(b.ctx)
		t = &topic{
			subs:   make(map[*Subscription]bool),
			ready:  make(chan struct{}),
			cancel: cancel,
		}
		b.topics[sessionID] = t
		if b.redis == nil {
			close(t.ready)
		} else {
			go b.subscribeToRedis(topicCtx, sessionID, t)
		}
	}
	t.subs[sub] = true
	sub.topic = t
	count := len(t.subs)
	b.mu.Unlock()

	select {
	case <-t.ready:
	case <-ctx.Done():
		b.Unsubscribe(sub)
		return nil, ctx.Err()
	}
	if t.err != nil {
		b.Unsubscribe(sub)
		return nil, t.err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int("subscriberCount", count).
		Msg("session subscriber added")

	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := sub.topic
	if t == nil || !t.subs[sub] {
		return
	}
	delete(t.subs, sub)
	sub.close()

	if len(t.subs) == 0 {
		t.cancel()
		if b.topics[sub.SessionID] == t {
			delete(b.topics, sub.SessionID)
		}
	}

	log.Debug().
		Str("sessionId", sub.SessionID).
		Int("subscriberCount", len(t.subs)).
		Msg("session subscriber removed")
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	if b.redis == nil {
		b.broadcast(sessionID, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SessionChannel(sessionID), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, sessionID string, t *topic) {
	channel := redisclient.SessionChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		t.err = fmt.Errorf("subscribe %s: %w", channel, err)
		close(t.ready)
		b.mu.Lock()
		if b.topics[sessionID] == t {
			delete(b.topics, sessionID)
		}
		b.mu.Unlock()
		return
	}
	close(t.ready)

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sessionID, event)
		}
	}
}

func (b *Broker) broadcast(sessionID string, event Event) {
	b.mu.RLock()
	var subs []*Subscription
	if t, ok := b.topics[sessionID]; ok {
		subs = make([]*Subscription, 0, len(t.subs))
		for sub := range t.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Events <- event:
		default:
			// A lagging subscriber is cut off; it resubscribes and receives a fresh snapshot.
			log.Warn().
				Str("sessionId", sessionID).
				Str("eventType", string(event.Type)).
				Msg("subscriber buffer full, closing subscription")
			b.Unsubscribe(sub)
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for sub := range t.subs {
			sub.close()
		}
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[sessionID]; ok {
		return len(t.subs)
	}
	return 0
}

func (b *Broker) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.topics {
		total += len(t.subs)
	}
	return total
}
