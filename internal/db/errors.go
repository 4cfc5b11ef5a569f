package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness rule
	// (for example two students with the same name in one class).
	ErrConflict = errors.New("conflict")

	// ErrConstraint is returned when a write violates a referential or
	// check constraint (unknown parent row, invalid gender, ...).
	ErrConstraint = errors.New("constraint violation")

	// ErrInvalid is returned when an entity fails validation before any
	// write is attempted.
	ErrInvalid = errors.New("invalid")

	// ErrBusy is returned when the store lock could not be acquired within
	// BusyTimeout.
	ErrBusy = errors.New("database busy")
)

// classify tags SQLite failures with the store's sentinel errors while
// keeping the original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, sqlite3.CONSTRAINT_UNIQUE), errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, sqlite3.CONSTRAINT):
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	case errors.Is(err, sqlite3.BUSY), errors.Is(err, sqlite3.LOCKED):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
