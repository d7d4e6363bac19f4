package repository

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

type StorageKind string

const (
	KindTransactionFailure StorageKind = "transaction_failure"
	KindUnavailable        StorageKind = "unavailable"
)

type StorageError struct {
	Kind StorageKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr classifies err, defaulting to a transaction failure. Busy,
// locked and unopenable databases are reported as unavailable.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	kind := KindTransactionFailure
	var liteErr sqlite3.Error
	switch {
	case errors.Is(err, sql.ErrConnDone):
		kind = KindUnavailable
	case errors.As(err, &liteErr):
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			kind = KindUnavailable
		}
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}
