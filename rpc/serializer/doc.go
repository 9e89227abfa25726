// Package serializer encodes the common.Message of client calls and node to
// node calls (backups, transaction phases, migration).
//
// Implementations:
//
//   - binary: presence mask plus the set fields only. The fastest and smallest,
//     the default of the CLI.
//   - json: readable, for debugging.
//   - gob: standard library gob, larger and slower than both.
//
// Structured payloads (predicates, transaction logs, partition data, the
// partition table) travel as opaque bytes in Message.Payload and are not
// inspected by any serializer.
//
// All serializers are stateless and safe for concurrent use:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(msg)
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
