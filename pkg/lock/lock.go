package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

// Caller performs one RPC against the scheduler. rpc.Conn satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args, reply any) error
}

// Lock is a client handle on one named cluster-wide lock. Each handle has its
// own id, so two handles on the same name exclude each other even inside one
// process.
type Lock struct {
	caller Caller
	name   []string
	id     string

	mu     sync.Mutex
	locked bool
}

// New returns a handle on the lock called name. Several parts form a tuple
// name; with no parts a random name is generated.
func New(caller Caller, name ...string) *Lock {
	if len(name) == 0 {
		name = []string{"lock-" + uuid.NewString()}
	}
	return &Lock{
		caller: caller,
		name:   name,
		id:     uuid.NewString(),
	}
}

// Name returns the display form of the lock name
func (l *Lock) Name() string {
	if len(l.name) == 1 {
		return l.name[0]
	}
	return "(" + strings.Join(l.name, ", ") + ")"
}

// ID returns the identity the scheduler records as holder
func (l *Lock) ID() string {
	return l.id
}

type acquireOptions struct {
	timeout     *time.Duration
	nonBlocking bool
}

// AcquireOption tunes a single Acquire call
type AcquireOption func(*acquireOptions)

// WithTimeout gives up after d
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.timeout = &d }
}

// NonBlocking returns immediately when the lock is taken
func NonBlocking() AcquireOption {
	return func(o *acquireOptions) { o.nonBlocking = true }
}

func (l *Lock) wireName() any {
	if len(l.name) == 1 {
		return l.name[0]
	}
	return l.name
}

// Acquire asks the scheduler for the lock. It reports whether the lock was
// obtained; a timed out or non-blocking attempt on a held lock returns false
// with no error.
func (l *Lock) Acquire(ctx context.Context, opts ...AcquireOption) (bool, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.nonBlocking && o.timeout != nil {
		return false, fmt.Errorf("%w: timeout and non-blocking acquire are mutually exclusive", types.ErrConfiguration)
	}

	var timeout *float64
	switch {
	case o.nonBlocking:
		zero := 0.0
		timeout = &zero
	case o.timeout != nil:
		secs := o.timeout.Seconds()
		timeout = &secs
	}

	args := map[string]any{
		"name":    l.wireName(),
		"id":      l.id,
		"timeout": timeout,
	}
	var granted bool
	if err := l.caller.Call(ctx, MethodAcquire, args, &granted); err != nil {
		return false, err
	}
	if granted {
		l.mu.Lock()
		l.locked = true
		l.mu.Unlock()
	}
	return granted, nil
}

// Release gives the lock back. Releasing a lock this handle does not hold is
// a types.ErrProtocol error.
func (l *Lock) Release(ctx context.Context) error {
	if !l.Locked() {
		return fmt.Errorf("%w: lock %s is not yet acquired", types.ErrProtocol, l.Name())
	}
	args := map[string]any{
		"name": l.wireName(),
		"id":   l.id,
	}
	if err := l.caller.Call(ctx, MethodRelease, args, nil); err != nil {
		return err
	}
	l.mu.Lock()
	l.locked = false
	l.mu.Unlock()
	return nil
}

// Locked reports whether this handle believes it holds the lock
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// String returns "<Lock: name>"
func (l *Lock) String() string {
	return fmt.Sprintf("<Lock: %s>", l.Name())
}
