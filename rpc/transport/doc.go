// Package transport defines the interfaces for RPC communication of the
// distributed map. It provides a common contract that all transport
// implementations must fulfill, enabling protocol-agnostic communication
// between clients and members and between members.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and hands them to the registered handler.
//
//   - ServerHandleFunc: Function type for request handling callbacks. Every
//     request carries the id of the partition it is addressed to, so a
//     handler can reject requests for partitions the member does not own
//     before decoding them.
//
// Implementations: tcp, unix and http in the sub packages, and inmem for
// process local clusters (tests, embedded use).
package transport
