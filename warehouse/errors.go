package warehouse

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned by Add() for a record without an id
	ErrMissingID = errors.New("record has no id")
	// ErrInvalidID is returned for ids that can't be stored in a line
	ErrInvalidID = errors.New("id cannot contain ',' or newlines")
	// ErrNotFound is returned by Get() when there's no record with a given id
	ErrNotFound = errors.New("record not found")
	// ErrUnknownColumn is returned for column names other than id, name, address, email
	ErrUnknownColumn = errors.New("unknown column")
	// ErrImmutableID is returned when an update tries to change the id
	ErrImmutableID = errors.New("update cannot change the id")
	// ErrMalformedRecord is wrapped by *MalformedRecordError
	ErrMalformedRecord = errors.New("malformed record")
	// ErrPartialMove is wrapped by *PartialMoveError
	ErrPartialMove = errors.New("partial move")
	// ErrLocked is returned by Open() if another process has the warehouse open
	ErrLocked = errors.New("warehouse is locked by another process")
	// ErrClosed is returned by operations on a closed warehouse
	ErrClosed = errors.New("warehouse is closed")
)

// MalformedRecordError describes a line that doesn't decode into a record
type MalformedRecordError struct {
	// partition id or "index"
	Partition string
	// 1-based line number, 0 if not known
	Line int
	// number of columns found
	Columns int
	Text    string
}

func (e *MalformedRecordError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("malformed record: %d columns in '%s'", e.Columns, e.Text)
	}
	return fmt.Sprintf("malformed record in '%s' line %d: %d columns in '%s'", e.Partition, e.Line, e.Columns, e.Text)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// PartialMoveError is returned when a record relocated to another partition
// was written to its new partition but the move didn't complete.
// The record is not lost: it exists in To and possibly still in From.
// Dedup() removes the stale copy.
type PartialMoveError struct {
	ID   string
	From string
	To   string
	Err  error
}

func (e *PartialMoveError) Error() string {
	return fmt.Sprintf("partial move of '%s' from partition '%s' to '%s': %s", e.ID, e.From, e.To, e.Err)
}

func (e *PartialMoveError) Unwrap() []error {
	return []error{ErrPartialMove, e.Err}
}
