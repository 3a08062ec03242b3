/*
Package scheduler implements the burrow scheduler's coordination surface.

The scheduler is the single central process of a cluster. Workers register
with it and heartbeat; it records which worker holds which key so clients
and workers can locate data; and it hosts the lock extension that grants
named cluster-wide locks.

# RPC methods

	identity           -> {type, id, address}
	register_worker    {address, nthreads, ..., keys} -> {status}
	unregister_worker  {address} -> {status}
	heartbeat_worker   {address} -> {status: OK | missing}
	add_keys           {worker, keys} -> {status}
	remove_keys        {worker, keys} -> {status}
	who_has            {keys} -> {key: [address, ...]}
	ncores             {workers} -> {address: nthreads}
	lock_acquire       see package lock
	lock_release       see package lock

A heartbeat answered with "missing" tells the worker the scheduler no longer
knows it, typically after a scheduler restart or a heartbeat timeout, and
that it must register again.

# Advertisement

On Start the scheduler writes its contact address to the scheduler file and
publishes it to Redis when either is configured. Stop withdraws the Redis
record only if it still names this scheduler.

# Usage

	sched := scheduler.NewScheduler(scheduler.Config{
		Address:       "tcp://0.0.0.0:8786",
		Security:      sec,
		SchedulerFile: "/shared/scheduler.json",
		WorkerTTL:     30 * time.Second,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop(ctx)
*/
package scheduler
