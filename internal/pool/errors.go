package pool

import "errors"

// ErrResourceExhausted is returned when no sandbox became available within
// the acquire timeout.
var ErrResourceExhausted = errors.New("resource exhausted: no sandbox available")

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("pool manager is closed")
