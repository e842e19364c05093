package task

import "errors"

// ErrNotFound is returned by backends when a task id has no record
var ErrNotFound = errors.New("task: not found")
