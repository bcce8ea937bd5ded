package service

import (
	"context"
	"sync"

	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
)

// SubscribeContext binds a subscription to ctx. It is removed when ctx is done or
// when the returned function is called, whichever happens first.
func SubscribeContext(ctx context.Context, r Realtime, channel model.ChannelID, h registry.Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unsubscribe, err := r.Subscribe(channel, h)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	release := func() { once.Do(unsubscribe) }
	stop := context.AfterFunc(ctx, release)

	return func() {
		stop()
		release()
	}, nil
}

// WaitForState blocks until r reaches want or ctx is done.
func WaitForState(ctx context.Context, r Realtime, want model.ConnectionState) error {
	reached := make(chan struct{})
	var once sync.Once
	remove := r.OnStateChange(func(change model.StateChange) {
		if change.To == want {
			once.Do(func() { close(reached) })
		}
	})
	defer remove()

	// Checked after registering so a transition in between is not missed.
	if r.State() == want {
		return nil
	}

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
