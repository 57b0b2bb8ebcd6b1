package models

import (
	"errors"
	"fmt"
)

// ErrAccountNotFound is returned when an account does not exist or is not owned by the caller.
var ErrAccountNotFound = errors.New("account not found")

// ErrSyncNotHeld is returned when a sync pass writes state it no longer owns,
// because maintenance reaped it or a newer pass took the mailbox over.
var ErrSyncNotHeld = errors.New("mailbox is not held by this sync pass")

// ErrAuthFailed marks a remote server rejecting our credentials.
var ErrAuthFailed = errors.New("authentication rejected by server")

// UIDValidityChangedError is returned by the mail transport when the mailbox
// epoch changed underneath an open session. It is a protocol state, not a failure:
// the caller must start over with a full reconcile.
type UIDValidityChangedError struct {
	Mailbox  string
	Previous string
	Current  string
}

func (e *UIDValidityChangedError) Error() string {
	return fmt.Sprintf("uid validity of %s changed from %s to %s", e.Mailbox, e.Previous, e.Current)
}

// IsUIDValidityChanged reports whether err (or anything it wraps) is a UIDValidityChangedError.
func IsUIDValidityChanged(err error) bool {
	var target *UIDValidityChangedError
	return errors.As(err, &target)
}
