package common

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/lockstore"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
)

// ErrUnsupportedOperation is returned for operations whose meaning depends on
// locality, which is ambiguous for a remote client.
var ErrUnsupportedOperation = errors.New("unsupported operation: locality is ambiguous for a client")

// RetCode classifies the error of a response so the client can map it back
// to the sentinel it came from.
type RetCode uint8

const (
	RetCOk RetCode = iota
	RetCNotFound
	RetCInvalid
	RetCLocked
	RetCNotOwner
	RetCReplication
	RetCConflict
	RetCNotPrepared
	RetCFinished
	RetCWrongTarget
	RetCUnsupported
	RetCTimeout
	RetCIncomplete
	RetCClosed
	RetCUnreachable
	RetCInternal
)

func (c RetCode) String() string {
	switch c {
	case RetCOk:
		return "ok"
	case RetCNotFound:
		return "not found"
	case RetCInvalid:
		return "invalid"
	case RetCLocked:
		return "locked"
	case RetCNotOwner:
		return "not owner"
	case RetCReplication:
		return "replication"
	case RetCConflict:
		return "conflict"
	case RetCNotPrepared:
		return "not prepared"
	case RetCFinished:
		return "finished"
	case RetCWrongTarget:
		return "wrong target"
	case RetCUnsupported:
		return "unsupported"
	case RetCTimeout:
		return "timeout"
	case RetCIncomplete:
		return "incomplete"
	case RetCClosed:
		return "closed"
	case RetCUnreachable:
		return "unreachable"
	default:
		return "internal"
	}
}

// codeSentinels lists the sentinel errors per code. The first one is what
// a remote error of that code matches.
var codeSentinels = []struct {
	code      RetCode
	sentinels []error
}{
	{RetCInvalid, []error{record.ErrInvalidKey, record.ErrInvalidValue, mapservice.ErrInvalidMapName, mapservice.ErrInvalidOwner, metastore.ErrInvalidDefinition, query.ErrUnsupportedPredicate}},
	{RetCLocked, []error{lockstore.ErrLocked}},
	{RetCNotOwner, []error{lockstore.ErrNotOwner}},
	{RetCConflict, []error{txn.ErrConflict}},
	{RetCNotPrepared, []error{txn.ErrNotPrepared}},
	{RetCFinished, []error{txn.ErrAlreadyFinished}},
	{RetCWrongTarget, []error{mapservice.ErrWrongTarget}},
	{RetCUnsupported, []error{ErrUnsupportedOperation}},
	{RetCIncomplete, []error{query.ErrIncompleteResult, txn.ErrCommitIncomplete}},
	{RetCClosed, []error{mapservice.ErrNodeClosed}},
	{RetCUnreachable, []error{mapservice.ErrUnreachable}},
	{RetCTimeout, []error{context.DeadlineExceeded, context.Canceled}},
	// replication last: a failed backup wraps the replica's own cause
	{RetCReplication, []error{txn.ErrReplicationFailed}},
}

// CodeOf classifies err.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCOk
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	// a replication failure wrapping a timeout is still a replication failure
	if errors.Is(err, txn.ErrReplicationFailed) {
		return RetCReplication
	}
	for _, cs := range codeSentinels {
		for _, s := range cs.sentinels {
			if errors.Is(err, s) {
				return cs.code
			}
		}
	}
	return RetCInternal
}

// RemoteError is an error reported by another process. It matches the
// sentinels of its code with errors.Is.
type RemoteError struct {
	Code RetCode
	Msg  string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

// Is makes errors.Is(err, sentinel) hold for the sentinels of the code.
func (e *RemoteError) Is(target error) bool {
	if t, ok := target.(*RemoteError); ok {
		return t.Code == e.Code
	}
	for _, cs := range codeSentinels {
		if cs.code != e.Code {
			continue
		}
		for _, s := range cs.sentinels {
			if s == target {
				return true
			}
		}
	}
	return false
}

// ErrorOf returns the error carried by a response, nil if there is none.
func ErrorOf(resp *Message) error {
	if resp.MsgType != MsgTError && resp.Err == "" && resp.Code == RetCOk {
		return nil
	}
	msg := resp.Err
	if msg == "" {
		msg = fmt.Sprintf("remote error (%s)", resp.Code)
	}
	code := resp.Code
	if code == RetCOk {
		code = RetCInternal
	}
	return &RemoteError{Code: code, Msg: msg}
}
