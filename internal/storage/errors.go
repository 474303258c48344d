package storage

import "errors"

// ErrNotFound indicates a measurement was not located.
var ErrNotFound = errors.New("storage: measurement not found")
