package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound converts sql.ErrNoRows to a nil result without error.
// A missing row is not an error condition for Find* operations.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// affected reports whether a conditional statement matched at least one row.
func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
