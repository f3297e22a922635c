// Package worker implements the RPC/HTTP/Binary server dispatch layer:
// request routing, the per-session cursor registry, condition-variable
// pre/post handling, per-connection counters, and the idle/timer
// housekeeping loop.
package worker

import "github.com/srg/ktd/internal/timeddb"

// Status is the RPC/binary response status code.
type Status int

const (
	Success Status = iota
	EInvalid
	ELogic
	ENoImpl
	EInternal
	ETimeout
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case EInvalid:
		return "EINVALID"
	case ELogic:
		return "ELOGIC"
	case ENoImpl:
		return "ENOIMPL"
	case EInternal:
		return "EINTERNAL"
	case ETimeout:
		return "ETIMEOUT"
	default:
		return "EINTERNAL"
	}
}

// statusFor maps a TimedDB error's Kind onto a wire status.
func statusFor(err error) Status {
	if err == nil {
		return Success
	}
	dbErr, ok := err.(*timeddb.DBError)
	if !ok {
		return EInternal
	}
	switch dbErr.Kind {
	case timeddb.NoImpl:
		return ENoImpl
	case timeddb.Invalid:
		return EInvalid
	case timeddb.DupRec, timeddb.NoRec, timeddb.Logic:
		return ELogic
	case timeddb.System, timeddb.Broken, timeddb.NoRepos, timeddb.NoPerm:
		return EInternal
	default:
		return EInternal
	}
}
