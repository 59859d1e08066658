package models

import "errors"

// ErrNotFound indicates that a requested record does not exist.
// Store implementations wrap it; callers check with errors.Is.
var ErrNotFound = errors.New("record not found")
