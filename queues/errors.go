package queues

import "errors"

var (
	// ErrInvalidArgument is matched by every usage error this package returns.
	ErrInvalidArgument = errors.New("queues: invalid argument")
	// ErrFull indicates an offer was rejected because the queue reached its
	// configured maximum size.
	ErrFull = errors.New("queues: queue full")
)
