package capture

import (
	"context"
	"time"

	"fleetinspect/internal/domain"
)

const LocateTimeout = 10 * time.Second

// Locator is a geolocation source.
type Locator interface {
	Locate(ctx context.Context) (domain.Location, error)
}

type LocatorFunc func(ctx context.Context) (domain.Location, error)

func (f LocatorFunc) Locate(ctx context.Context) (domain.Location, error) { return f(ctx) }

// Locate asks l for a fix within timeout. A failure or timeout yields nil.
func Locate(ctx context.Context, l Locator, timeout time.Duration) *domain.Location {
	if l == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = LocateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fix struct {
		loc domain.Location
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		loc, err := l.Locate(ctx)
		ch <- fix{loc, err}
	}()
	select {
	case f := <-ch:
		if f.err != nil {
			return nil
		}
		return &f.loc
	case <-ctx.Done():
		return nil
	}
}
