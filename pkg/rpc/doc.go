/*
Package rpc carries burrow's request/response calls over gRPC.

Every call is a named method with keyword arguments, mirroring the
rpc(address).call(method, **kwargs) shape the cluster components are written
against. Arguments and replies are JSON documents wrapped in a
google.protobuf.BytesValue, and the server routes them through
grpc.UnknownServiceHandler, so adding a method is a Register call rather than
a generated service:

	srv := rpc.NewServer("scheduler")
	srv.Register("who_has", func(ctx context.Context, args json.RawMessage) (any, error) {
		var req struct{ Keys []string `json:"keys"` }
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		return lookup(req.Keys), nil
	})
	err := srv.Listen("tls://0.0.0.0:8786", listenArgs)

Clients dial through a Dialer. A Conn must be closed by whoever opened it:

	conn, err := dialer.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	err = conn.Call(ctx, "get_data", req, &reply)

Errors cross the wire as gRPC status codes and come back as *RemoteError,
which unwraps to the error classes of the types package
(types.ErrConnectivity for an unreachable peer, types.ErrProtocol for a
refused request, and so on).
*/
package rpc
