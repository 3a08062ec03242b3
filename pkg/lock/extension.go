package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// RPC method names served by the extension
const (
	MethodAcquire = "lock_acquire"
	MethodRelease = "lock_release"
)

// waiter is one queued acquire. wake is buffered so a release never blocks.
type waiter struct {
	wake chan struct{}
}

// Extension arbitrates named locks on the scheduler. Waiters on the same name
// are served strictly in arrival order; different names never contend.
type Extension struct {
	mu      sync.Mutex
	holders map[string]string
	queues  map[string][]*waiter
	logger  zerolog.Logger
}

// NewExtension creates an empty lock registry
func NewExtension() *Extension {
	return &Extension{
		holders: make(map[string]string),
		queues:  make(map[string][]*waiter),
		logger:  log.WithComponent("lock"),
	}
}

type acquireRequest struct {
	Name    json.RawMessage `json:"name"`
	ID      string          `json:"id"`
	Timeout *float64        `json:"timeout"`
}

type releaseRequest struct {
	Name json.RawMessage `json:"name"`
	ID   string          `json:"id"`
}

// Register adds lock_acquire and lock_release to s
func (e *Extension) Register(s *rpc.Server) {
	s.Register(MethodAcquire, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req acquireRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		name, err := nameKey(req.Name)
		if err != nil {
			return nil, err
		}
		var timeout *time.Duration
		if req.Timeout != nil {
			// beyond what a duration holds means no deadline
			if d, ok := config.Seconds(*req.Timeout); ok {
				timeout = &d
			}
		}
		return e.Acquire(ctx, name, req.ID, timeout)
	})
	s.Register(MethodRelease, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req releaseRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		name, err := nameKey(req.Name)
		if err != nil {
			return nil, err
		}
		return nil, e.Release(name, req.ID)
	})
}

// nameKey turns a wire name (a string or a list of strings) into a registry
// key. List names get a NUL prefix so "a" and ["a"] stay distinct.
func nameKey(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("%w: lock name must be a string or a list of strings", types.ErrConfiguration)
	}
	return "\x00" + strings.Join(parts, "\x00"), nil
}

// displayName renders a registry key for logs
func displayName(key string) string {
	if strings.HasPrefix(key, "\x00") {
		return "(" + strings.Join(strings.Split(key[1:], "\x00"), ", ") + ")"
	}
	return key
}

// Acquire grants name to id, waiting up to timeout (nil waits forever). A
// zero timeout never waits. The result is false when the deadline passes or
// ctx is done first.
func (e *Extension) Acquire(ctx context.Context, name, id string, timeout *time.Duration) (bool, error) {
	logger := log.WithLock(displayName(name)).With().Str("id", id).Logger()
	timer := metrics.NewTimer()

	e.mu.Lock()
	_, held := e.holders[name]
	if !held && len(e.queues[name]) == 0 {
		e.holders[name] = id
		e.mu.Unlock()
		metrics.LockAcquireTotal.WithLabelValues("granted").Inc()
		logger.Debug().Msg("lock granted")
		return true, nil
	}
	if timeout != nil && *timeout <= 0 {
		e.mu.Unlock()
		metrics.LockAcquireTotal.WithLabelValues("timeout").Inc()
		return false, nil
	}
	w := &waiter{wake: make(chan struct{}, 1)}
	e.queues[name] = append(e.queues[name], w)
	e.mu.Unlock()

	var deadline <-chan time.Time
	if timeout != nil {
		t := time.NewTimer(*timeout)
		defer t.Stop()
		deadline = t.C
	}

	result := "timeout"
	select {
	case <-w.wake:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.remove(name, w)
		if holder, held := e.holders[name]; held {
			logger.Error().Str("holder", holder).Msg("woken waiter found lock still held")
			return false, fmt.Errorf("%w: lock %s granted while held by %s", types.ErrFatalInternal, displayName(name), holder)
		}
		e.holders[name] = id
		timer.ObserveDuration(metrics.LockWaitDuration)
		metrics.LockAcquireTotal.WithLabelValues("granted").Inc()
		logger.Debug().Dur("waited", timer.Duration()).Msg("lock granted after wait")
		return true, nil
	case <-deadline:
	case <-ctx.Done():
		result = "cancelled"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	woken := false
	select {
	case <-w.wake:
		woken = true
	default:
	}
	e.remove(name, w)
	if woken {
		// The release meant for us must reach the next waiter instead.
		e.wakeHead(name)
	}
	metrics.LockAcquireTotal.WithLabelValues(result).Inc()
	logger.Debug().Str("result", result).Msg("lock not acquired")
	return false, nil
}

// Release frees name. Only the recorded holder may release; anyone else gets
// types.ErrProtocol.
func (e *Extension) Release(name, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if holder, ok := e.holders[name]; !ok || holder != id {
		return fmt.Errorf("%w: lock %s has not yet been acquired by %s", types.ErrProtocol, displayName(name), id)
	}
	delete(e.holders, name)
	e.wakeHead(name)
	e.logger.Debug().Str("lock_name", displayName(name)).Str("id", id).Msg("lock released")
	return nil
}

// wakeHead signals the first waiter on name, or drops an empty queue. The
// caller holds e.mu.
func (e *Extension) wakeHead(name string) {
	q := e.queues[name]
	if len(q) == 0 {
		delete(e.queues, name)
		return
	}
	select {
	case q[0].wake <- struct{}{}:
	default:
	}
}

// remove drops w from the queue of name. The caller holds e.mu.
func (e *Extension) remove(name string, w *waiter) {
	q := e.queues[name]
	for i, other := range q {
		if other == w {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(e.queues, name)
	} else {
		e.queues[name] = q
	}
}

// Holder returns the id holding name
func (e *Extension) Holder(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.holders[name]
	return id, ok
}

// Waiters returns the number of requests queued on name
func (e *Extension) Waiters(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[name])
}

// Stats returns the number of held names and of queued waiters overall
func (e *Extension) Stats() (held, waiters int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		waiters += len(q)
	}
	return len(e.holders), waiters
}
