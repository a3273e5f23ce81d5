package reload

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// PubSub is a Redis Pub/Sub-backed reload strategy: every process
// sharing the rule corpus subscribes to one channel and reacts the
// moment any of them publishes a change, instead of waiting out a
// polling interval. The channel payload is the raw rule-set id
// string, empty for "all rule sets", so anything that can publish a
// string to the channel can trigger a reload; no envelope format is
// required of publishers.
type PubSub struct {
	broadcaster

	client      *redis.Client
	channel     string
	retryBudget int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	onFatal func(error)
}

// NewPubSub builds a PubSub reload strategy over an existing Redis
// client. Once the reconnect retry budget is exhausted the strategy
// stops watching and invokes onFatal with the last error; with a nil
// onFatal it stops without reporting anything.
func NewPubSub(client *redis.Client, channel string, retryBudget int, onFatal func(error)) *PubSub {
	return &PubSub{client: client, channel: channel, retryBudget: retryBudget, onFatal: onFatal}
}

// Publish broadcasts a change notification on the shared channel; any
// process (including this one) observing the channel will invalidate
// its cache for ruleSetID. An empty ruleSetID means "all rule sets".
func (p *PubSub) Publish(ctx context.Context, ruleSetID string) error {
	return p.client.Publish(ctx, p.channel, ruleSetID).Err()
}

func (p *PubSub) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(runCtx)
	return nil
}

func (p *PubSub) run(ctx context.Context) {
	defer close(p.done)

	attempts := 0
	bo := backoff.NewExponentialBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		sub := p.client.Subscribe(ctx, p.channel)
		err := p.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempts = 0
			bo.Reset()
			continue
		}

		attempts++
		if attempts > p.retryBudget {
			if p.onFatal != nil {
				p.onFatal(err)
			}
			return
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *PubSub) consume(ctx context.Context, sub *redis.PubSub) error {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errChannelClosed
			}
			p.dispatch(msg.Payload, time.Now())
		}
	}
}

var errChannelClosed = errClosed("reload: pubsub channel closed")

type errClosed string

func (e errClosed) Error() string { return string(e) }

func (p *PubSub) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	done := p.done
	p.running = false
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
