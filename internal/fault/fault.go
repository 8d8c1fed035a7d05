// Package fault defines the failure taxonomy shared by the transfer core.
// Call sites wrap these sentinels with context; callers match with errors.Is.
package fault

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrLinkLost: the peer disconnected mid-operation.
	ErrLinkLost = errors.New("link lost")
	// ErrUserStopped: cooperative cancellation requested by the user.
	ErrUserStopped = errors.New("stopped by user")
	// ErrRemoteMismatch: the destination hash did not match after commit.
	ErrRemoteMismatch = errors.New("remote hash mismatch")
	// ErrRemoteExists: overwrite policy is fail and the destination exists.
	ErrRemoteExists = errors.New("remote file exists")
	// ErrProtocolLimit: a frame payload does not fit its length field.
	ErrProtocolLimit = errors.New("protocol limit exceeded")
	// ErrPrecondition: a required characteristic, setting or selection is missing.
	ErrPrecondition = errors.New("precondition failed")
	// ErrBusy: a run is already active on the session.
	ErrBusy = errors.New("run already active")
)

// Code is a stable classification used in logs and run history.
type Code string

const (
	CodeOK             Code = "ok"
	CodeUnknown        Code = "unknown"
	CodeLinkLost       Code = "link_lost"
	CodeStopped        Code = "stopped"
	CodeRemoteMismatch Code = "remote_mismatch"
	CodeRemoteExists   Code = "remote_exists"
	CodeProtocol       Code = "protocol_limit"
	CodePrecondition   Code = "precondition"
	CodeBusy           Code = "busy"
)

// Classify maps err onto a Code using only sentinel matching.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrUserStopped), errors.Is(err, context.Canceled):
		return CodeStopped
	case errors.Is(err, ErrLinkLost):
		return CodeLinkLost
	case errors.Is(err, ErrRemoteMismatch):
		return CodeRemoteMismatch
	case errors.Is(err, ErrRemoteExists):
		return CodeRemoteExists
	case errors.Is(err, ErrProtocolLimit):
		return CodeProtocol
	case errors.Is(err, ErrPrecondition):
		return CodePrecondition
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return CodeUnknown
	}
}

// Reason returns a short human-readable reason for a failed run.
// Wrapped context is kept, but only the first line.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case CodeStopped:
		return "stopped by user"
	case CodeLinkLost:
		return "connection to the device was lost"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
