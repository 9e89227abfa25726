// Package client implements the client side of a dMap cluster and the node
// to node calls of the members.
//
// Key Components:
//
//   - Client: Entry point of an application. It fetches the partition table
//     from the configured endpoints, hands out one MapProxy per map and starts
//     transactions.
//
//   - MapProxy: Client side handle of a distributed map. Key operations are
//     routed to the owner of the key's partition, member scoped operations
//     (Size, Clear, queries, ...) are sent to every member and merged. An
//     optional near cache serves repeated reads locally and is invalidated by
//     the change events of the members.
//
//   - Invoker: Routing layer below the proxies. A member that no longer owns
//     a partition answers with a wrong target error; the invoker then refreshes
//     the partition table and sends the request again.
//
//   - Transaction: Buffers operations on any number of maps and commits them
//     atomically through the member owning the partition of the first operation.
//
//   - PeerClient: Implements mapservice.Peer over the rpc transport. Members
//     use it for backups, two phase commit and partition migration.
//
// Usage Example:
//
//	c, err := client.NewClient(
//		common.ClientConfig{
//			TimeoutSecond: 5,
//			Transport:     common.ClientTransportConfig{Endpoints: []string{"localhost:8080"}},
//		},
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		panic(err)
//	}
//	defer c.Shutdown(ctx)
//
//	users, _ := c.Map(ctx, "users", nil)
//	_, _, _ = users.Put(ctx, []byte("alice"), []byte(`{"age":31}`))
//	adults, _ := users.KeySet(ctx, query.GreaterEqual("age", 18))
//
//	tx := users.NewTransaction()
//	_ = tx.Put([]byte("bob"), []byte(`{"age":25}`))
//	_ = tx.On("audit").Put([]byte("bob"), []byte("created"))
//	err = tx.Commit(ctx)
//
// Errors returned by the members carry a return code and match the sentinel
// errors of the lib packages with errors.Is, e.g. lockstore.ErrLocked or
// txn.ErrConflict. Transport failures match mapservice.ErrUnreachable.
//
// Thread Safety:
//
//	Client, MapProxy, Invoker and PeerClient are safe for concurrent use.
//	A query.PagingPredicate carries paging state and is not.
package client
