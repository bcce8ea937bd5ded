package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker short-circuits a failing backend so that a dead redis or database does not
// stall every queue mutation on network timeouts. While open, calls fail fast with
// gobreaker.ErrOpenState and the queue keeps working from memory.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Store, name string) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "store-" + name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A missing key is an answer, not a backend failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *Breaker) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Set(ctx, key, value)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
