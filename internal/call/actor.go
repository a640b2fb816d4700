package call

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
)

const actorQueueSize = 64

// actor runs closures one at a time on its own goroutine. Every call and
// huddle owns one, which serializes all of its transitions.
type actor struct {
	resource string
	ops      chan func()
	quit     chan struct{}
	once     sync.Once

	// retire is only touched on the actor goroutine.
	retire bool
}

func newActor(resource string) *actor {
	a := &actor{
		resource: resource,
		ops:      make(chan func(), actorQueueSize),
		quit:     make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *actor) loop() {
	for {
		select {
		case fn := <-a.ops:
			a.run(fn)
			if a.retire {
				a.stop()
				return
			}
		case <-a.quit:
			return
		}
	}
}

// retireAfterCurrent stops the actor once the running closure returns. It
// must be called from the actor goroutine.
func (a *actor) retireAfterCurrent() {
	a.retire = true
}

func (a *actor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("call actor panicked")
		}
	}()
	fn()
}

// post schedules fn. It returns false once the actor has stopped.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.ops <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// do runs fn on the actor and waits for its result.
func (a *actor) do(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)

	ok := a.post(func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: apperrors.Internal("call operation failed")}
				panic(r)
			}
		}()
		v, err := fn()
		ch <- result{v, err}
	})
	if !ok {
		return nil, apperrors.NotFound(a.resource)
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-a.quit:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return nil, apperrors.NotFound(a.resource)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *actor) stop() {
	a.once.Do(func() { close(a.quit) })
}
