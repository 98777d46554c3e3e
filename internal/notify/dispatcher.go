package notify

import (
	"context"
	"errors"
)

// Dispatcher delivers the side effect of a session ending, such as the
// summary mail. Implementations must be safe for concurrent use.
type Dispatcher interface {
	Notify(ctx context.Context, sessionID string) error
}

type DispatcherFunc func(ctx context.Context, sessionID string) error

func (f DispatcherFunc) Notify(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// Nop discards notifications.
var Nop Dispatcher = DispatcherFunc(func(context.Context, string) error { return nil })

// Fanout notifies every dispatcher in order and joins their errors.
type Fanout []Dispatcher

func (f Fanout) Notify(ctx context.Context, sessionID string) error {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
