package repositories

import "errors"

// ErrNotFound is returned when a row does not exist (or is not visible).
var ErrNotFound = errors.New("record not found")
