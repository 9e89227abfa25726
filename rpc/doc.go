// Package rpc is the wire stack of dMap: clients reach partition owners and
// members reach each other through it.
//
// Subpackages:
//
//   - common: the Message every call is made of, message types, return codes
//     carrying sentinel errors across processes, configs and the logger factory.
//   - serializer: Message codecs (binary, json, gob).
//   - transport: framed tcp and unix sockets, http and an in-process transport.
//     The frame carries the target partition, NoPartition for member calls.
//   - server: the member side, dispatching messages into a mapservice.Node.
//   - client: the Client, its MapProxy and Transaction, the Invoker routing
//     requests by the partition table, and the PeerClient for node to node calls.
package rpc
