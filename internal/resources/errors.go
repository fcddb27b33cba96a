// Package resources provides the clients behind entity, bucket, search,
// transaction and emit-events calls.
package resources

import "errors"

// Error is a resource failure with a stable name. The name is what a
// workflow sees in the failed request.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string     { return e.Message }
func (e *Error) ErrorName() string { return e.Name }

var (
	ErrNotFound            = &Error{Name: "NotFound", Message: "not found"}
	ErrVersionConflict     = &Error{Name: "VersionConflict", Message: "version conflict"}
	ErrUnknownOperation    = &Error{Name: "UnknownOperation", Message: "unknown operation"}
	ErrTransactionNotFound = &Error{Name: "TransactionNotFound", Message: "transaction not registered"}
)

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
