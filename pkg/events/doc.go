/*
Package events provides an in-memory event broker for burrow lifecycle
notifications.

A nanny publishes every status change of its worker process, each exit it
observes and each restart it performs. The scheduler publishes worker
registrations. Anything interested, a CLI watching a nanny or a test waiting
for a restart, subscribes to the broker.

# Delivery

	Publisher -> event channel (buffer: 100) -> broadcast loop
	          -> subscriber channels (buffer: 50 each)

Publishing never blocks. When the event channel is full, or the broker has
been stopped, the event is dropped; when one subscriber's buffer is full that
subscriber misses the event while the others still receive it. Lifecycle
state is always available from its owner, so a missed event costs latency,
not correctness.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventWorkerRestarted {
			fmt.Println(ev.Source, ev.Metadata["reason"])
		}
	}
*/
package events
