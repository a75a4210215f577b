package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/platform/metrics"
	"github.com/careops/worklist/pkg/fhirmodels"
)

// PushTransport is the external publish/subscribe channel the listener
// consumes. Subscribe registers a handler for one resource type and returns
// that type's unsubscribe callback.
type PushTransport interface {
	Subscribe(resourceType string, handler func(fhirmodels.Resource)) (func(), error)
	Close() error
}

type listenerState int

const (
	listenerIdle listenerState = iota
	listenerInitializing
	listenerReady
	listenerClosed
)

// Listener maintains the single live subscription to the push channel and
// writes every inbound resource through store.SetItem, the same entry
// point local mutations use, so all writers share one serialization point.
//
// There is exactly one subscription per process however many consumers ask
// for it: Init is idempotent, and a call that arrives while another Init is
// in flight awaits that attempt instead of starting a second one.
type Listener struct {
	transport PushTransport
	store     *cache.Store
	log       zerolog.Logger

	mu       gosync.Mutex
	state    listenerState
	initDone chan struct{}
	initErr  error
	unsubs   []func()

	closeTransport gosync.Once
}

func NewListener(transport PushTransport, store *cache.Store, log zerolog.Logger) *Listener {
	return &Listener{transport: transport, store: store, log: log}
}

// Init establishes the per-type subscriptions. Safe to call from any number
// of goroutines; only the first caller does the work. A failed attempt
// resets to idle so a later call can retry.
func (l *Listener) Init(ctx context.Context) error {
	for {
		l.mu.Lock()
		switch l.state {
		case listenerReady:
			l.mu.Unlock()
			return nil

		case listenerClosed:
			l.mu.Unlock()
			return fmt.Errorf("live-update listener is closed")

		case listenerInitializing:
			done := l.initDone
			l.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-check: the in-flight attempt either succeeded or reset
			// the state with its error recorded.
			l.mu.Lock()
			state, err := l.state, l.initErr
			l.mu.Unlock()
			if state == listenerReady {
				return nil
			}
			return err

		case listenerIdle:
			l.state = listenerInitializing
			l.initDone = make(chan struct{})
			done := l.initDone
			l.mu.Unlock()

			unsubs, err := l.subscribeAll()

			l.mu.Lock()
			if l.state == listenerClosed {
				// Closed while we were subscribing; undo our work.
				l.mu.Unlock()
				for _, u := range unsubs {
					u()
				}
				close(done)
				return fmt.Errorf("live-update listener is closed")
			}
			if err != nil {
				l.state = listenerIdle
				l.initErr = err
			} else {
				l.state = listenerReady
				l.initErr = nil
				l.unsubs = unsubs
			}
			close(done)
			l.mu.Unlock()
			return err
		}
	}
}

func (l *Listener) subscribeAll() ([]func(), error) {
	var unsubs []func()
	for _, rt := range cache.FHIRTypes() {
		unsub, err := l.transport.Subscribe(string(rt), l.handlerFor(rt))
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("subscribe %s: %w", rt, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs, nil
}

// handlerFor builds the push handler for one resource type. A handler runs
// outside any caller's recovery, so nothing may escape it: failures are
// caught and logged.
func (l *Listener) handlerFor(rt cache.ResourceType) func(fhirmodels.Resource) {
	return func(resource fhirmodels.Resource) {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error().Str("resource_type", string(rt)).Any("panic", r).Msg("listener: push handler panicked")
			}
		}()

		if resource.ID() == "" {
			l.log.Warn().Str("resource_type", string(rt)).Msg("listener: push update without id")
			return
		}
		metrics.PushUpdate(string(rt))
		l.store.SetItem(rt, resource)
	}
}

// Close tears the subscription down: every per-type unsubscribe obtained at
// subscribe time is invoked, and the transport is closed exactly once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.state == listenerClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = listenerClosed
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	var err error
	l.closeTransport.Do(func() {
		err = l.transport.Close()
	})
	return err
}
