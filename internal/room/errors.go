package room

import (
	"errors"
	"fmt"

	"github.com/vihu/tandem/internal/protocol"
)

var (
	ErrRoomLimit = errors.New("room limit reached")
	ErrRoomFull  = errors.New("room is full")
	ErrSizeLimit = errors.New("document size limit exceeded")
	ErrMerge     = errors.New("update rejected")
	ErrClosed    = errors.New("peer closed")
)

// Error records the operation and room a failure happened in.
type Error struct {
	Op      string
	Room    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Room != "" {
		msg = fmt.Sprintf("%s %s: %v", e.Op, e.Room, e.Err)
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op, room string, err error) *Error {
	return &Error{Op: op, Room: room, Err: err}
}

func WrapError(op, room string, err error, details string) *Error {
	return &Error{Op: op, Room: room, Err: err, Details: details}
}

// IsCapacity reports whether err rejected a join.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrRoomLimit) || errors.Is(err, ErrRoomFull)
}

// Code maps an update failure to the error code sent to the client.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSizeLimit):
		return protocol.CodeDocSizeLimit
	case errors.Is(err, ErrMerge):
		return protocol.CodeUpdateRejected
	default:
		return ""
	}
}
