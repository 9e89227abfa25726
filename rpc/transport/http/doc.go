// Package http implements an HTTP based RPC transport. Every request is a
// POST to /{partitionId} with the serialized message as body, the response
// body is the serialized response.
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Requests are spread
//     round-robin over the configured endpoints and retried on network errors.
//     Plain host:port endpoints are addressed over http.
//
//   - httpServerTransport: Implements IRPCServerTransport on net/http. Close
//     shuts the server down gracefully.
//
// Thread Safety:
//
//	The client transport is safe for concurrent use after Connect.
package http
