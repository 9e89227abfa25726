// Package internal defines the commands and queries exchanged between the
// replicated registry client and its state machine.
//
// Command wire format (big endian):
//
//	1 byte  command type
//	4 bytes name length
//	N bytes name
//	M bytes definition (JSON encoded config.MapConfig, put only)
package internal
