package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/roomchat/pkg/database"
)

// Error kinds as they appear in outbound error events.
const (
	KindAuthorizationDenied = "AuthorizationDenied"
	KindValidationFailure   = "ValidationFailure"
	KindNotFollowingRoom    = "NotFollowingRoom"
	KindRoomAccessDenied    = "RoomAccessDenied"
	KindAlreadyExists       = "AlreadyExists"
	KindPersistenceFailure  = "PersistenceFailure"
	KindNotFound            = "NotFound"
	KindShutdown            = "Shutdown"
	KindInternal            = "Internal"
)

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrValidationFailure   = errors.New("validation failure")
	ErrNotFollowingRoom    = errors.New("not following room")
	ErrRoomAccessDenied    = errors.New("room access denied")
	ErrAlreadyExists       = errors.New("already exists")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrNotFound            = errors.New("not found")

	// ErrCommandUnknown is returned by the gate for names missing from the catalog.
	ErrCommandUnknown = fmt.Errorf("%w: command unknown", ErrAuthorizationDenied)
	// ErrLookupFailed is returned by the gate when the store could not resolve the caller.
	ErrLookupFailed = fmt.Errorf("%w: lookup failed", ErrAuthorizationDenied)

	// ErrSlowConsumer is returned when a connection's outbound queue is full.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrConnClosed is returned when sending to a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// errSessionReplaced means a newer attach took the identity mid-login.
	errSessionReplaced = errors.New("session replaced")
)

// OpError records which store operation failed and on which key.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

// persistenceError wraps a store failure. ErrNotFound and ErrAlreadyExists
// from the database are translated to their core kinds instead.
func persistenceError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	case errors.Is(err, database.ErrAlreadyExists):
		return fmt.Errorf("%s %q: %w", op, key, ErrAlreadyExists)
	}
	return &OpError{Op: op, Key: key, Err: err}
}

// KindOf maps an error to its wire kind. Order matters: errors may carry
// more than one kind (a join denial is both AuthorizationDenied and
// RoomAccessDenied) and the more specific one wins.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrValidationFailure):
		return KindValidationFailure
	case errors.Is(err, ErrPersistenceFailure):
		return KindPersistenceFailure
	case errors.Is(err, ErrRoomAccessDenied):
		return KindRoomAccessDenied
	case errors.Is(err, ErrNotFollowingRoom):
		return KindNotFollowingRoom
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAuthorizationDenied):
		return KindAuthorizationDenied
	}
	return KindInternal
}
