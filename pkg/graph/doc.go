/*
Package graph packs and unpacks task payloads.

A payload is a tree of Values: scalars, lists, tuples, sets, maps, graph
callables and references to remote task keys. Before a payload is sent the
references are unpacked into plain keys, and the set of keys tells the
receiver what it must gather. Once the data has arrived Pack substitutes the
values back in.

	payload := graph.List(graph.Scalar(1), graph.NewRef(graph.String("x")))
	wire, refs := graph.Unpack(payload, graph.UnpackOptions{})
	// gather refs[i].Key from the cluster into known ...
	args := graph.Pack(wire, known)

A tuple whose first element is a Callable is treated as a task: references
inside the callable's subgraph become extra inputs of the callable instead of
being lost inside its body.
*/
package graph
