/*
Package lock provides named mutual exclusion across every participant of a
burrow cluster.

The scheduler runs an Extension that records which client id holds each name
and queues the rest in arrival order. Clients hold a Lock handle and talk to
the extension over the lock_acquire and lock_release methods.

	l := lock.New(conn, "resource", "shard-3")
	ok, err := l.Acquire(ctx, lock.WithTimeout(5*time.Second))
	if err != nil || !ok {
		return err
	}
	defer l.Release(ctx)

Names may be a single string or a tuple of strings.
*/
package lock
