package custodian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Requester sends decrypt requests over a Bus and waits for the correlated
// response. Many calls may be in flight at once.
type Requester struct {
	bus     Bus
	timeout time.Duration
	logger  *logrus.Logger

	mu      sync.Mutex
	pending map[string]chan *DecryptResponse

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewRequester subscribes to responses on bus. A non-positive timeout uses
// DefaultRequestTimeout.
func NewRequester(bus Bus, timeout time.Duration, logger *logrus.Logger) *Requester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ch, unsubscribe := bus.Subscribe(KindDecryptResponse, 64)
	r := &Requester{
		bus:         bus,
		timeout:     timeout,
		logger:      logger,
		pending:     make(map[string]chan *DecryptResponse),
		unsubscribe: unsubscribe,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.dispatch(ch)
	return r
}

func (r *Requester) dispatch(ch <-chan Envelope) {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case env := <-ch:
			if env.Response == nil {
				continue
			}
			r.mu.Lock()
			respChan, ok := r.pending[env.ID]
			r.mu.Unlock()
			if !ok {
				r.logger.WithField("request_id", env.ID).Debug("Response for unknown or expired request")
				continue
			}
			select {
			case respChan <- env.Response:
			default:
				r.logger.WithField("request_id", env.ID).Debug("Duplicate response dropped")
			}
		}
	}
}

// Call publishes req and waits for its response. A timeout is reported as
// ErrUnavailable wrapping ErrRequestTimeout.
func (r *Requester) Call(ctx context.Context, req DecryptRequest) (*DecryptResponse, error) {
	id := uuid.NewString()
	respChan := make(chan *DecryptResponse, 1)

	r.mu.Lock()
	r.pending[id] = respChan
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.bus.Publish(ctx, Envelope{ID: id, Kind: KindDecryptRequest, Request: &req}); err != nil {
		return nil, r.waitErr(ctx, fmt.Errorf("failed to publish request: %w", err))
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, r.waitErr(ctx, ctx.Err())
	case <-r.stop:
		return nil, unavailable(errors.New("requester closed"))
	}
}

func (r *Requester) waitErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return unavailable(fmt.Errorf("%w after %s", ErrRequestTimeout, r.timeout))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return unavailable(err)
}

// Pending returns the number of in-flight calls.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the dispatch loop. In-flight calls fail with ErrUnavailable.
func (r *Requester) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.unsubscribe()
		<-r.done
	})
}
