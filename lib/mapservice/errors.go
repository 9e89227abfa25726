package mapservice

import "github.com/cockroachdb/errors"

var (
	// ErrWrongTarget signals that the request reached a member that does not
	// own the partition (or is still waiting for its data). Callers refresh
	// the partition table and retry.
	ErrWrongTarget = errors.New("wrong target: partition is not served by this member")
	// ErrNodeClosed is returned by every operation after Close.
	ErrNodeClosed = errors.New("node is closed")
	// ErrInvalidMapName rejects empty map names.
	ErrInvalidMapName = errors.New("invalid map name: must not be empty")
	// ErrInvalidOwner rejects lock operations without an owner.
	ErrInvalidOwner = errors.New("invalid lock owner: must not be empty")
	// ErrUnreachable is returned by a Peer for members it cannot reach.
	ErrUnreachable = errors.New("member unreachable")
)
