/*
Package client is the Go entry point for programs using a burrow cluster.

A Client holds one connection to the scheduler. Metadata questions (who
holds a key, how many threads each worker has) go to the scheduler; data
moves directly between the client and the workers:

	c, err := client.NewClient(ctx, "tcp://scheduler:8786", sec)
	res, err := c.Scatter(ctx, map[string]any{"x": 1, "y": []int{1, 2}})

	v := graph.List(graph.NewRef(graph.String("x")), graph.NewRef(graph.String("y")))
	resolved, err := c.Resolve(ctx, v)

	l := c.Lock("shared-resource")
	ok, err := l.Acquire(ctx, lock.WithTimeout(5*time.Second))
	defer l.Release(ctx)

Scatter continues its round-robin rotation across calls for the lifetime of
the Client.
*/
package client
