package store

import "errors"

// ErrNotFound is returned when a requested record does not exist, including
// when it exists but belongs to a different user.
var ErrNotFound = errors.New("not found")
