package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "taskhub:table_changes:"

// RedisBus fans table change events out to every API instance through redis pub/sub
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus parses the redis URL and verifies the connection
func NewRedisBus(ctx context.Context, url string, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Close closes the underlying client
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func channelFor(table string) string {
	return channelPrefix + table
}

// Publish implements Publisher
func (b *RedisBus) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		pipe.Publish(ctx, channelFor(e.Table), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}

// Subscribe implements Subscriber
func (b *RedisBus) Subscribe(ctx context.Context, tables ...string) (Subscription, error) {
	channels := make([]string, len(tables))
	for i, t := range tables {
		channels[i] = channelFor(t)
	}

	ps := b.client.Subscribe(ctx, channels...)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s := &redisSubscription{
		ps:     ps,
		ch:     make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
		logger: b.logger,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func (s *redisSubscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.ch)

	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed change event")
				continue
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}
