package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerDispatcher stops calling a failing dispatcher until its open
// timeout elapses.
type BreakerDispatcher struct {
	next    Dispatcher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerDispatcher(name string, next Dispatcher, maxFailures uint32, timeout time.Duration) *BreakerDispatcher {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("notification breaker state changed")
		},
	}
	return &BreakerDispatcher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerDispatcher) Notify(ctx context.Context, sessionID string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", b.breaker.Name(), err)
	}
	return nil
}

func (b *BreakerDispatcher) State() gobreaker.State {
	return b.breaker.State()
}
