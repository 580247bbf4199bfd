// Package semaphores provides counting semaphores shared by every process
// attached to the same grid, plus process-local semaphores with the same
// surface.
//
// A distributed semaphore is one Status record stored under its name in the
// "semaphores" namespace. Every operation is a single processor invocation
// against that record, so permit accounting relies only on the grid's per-key
// serialization; no client caches permit counts.
//
// Creating a handle follows a fixed protocol: the Registry consults its local
// cache, and on a miss atomically creates the record or reads the capacity it
// already has. A name reused with a different capacity fails with
// ErrCapacityMismatch and the stored record is never reconciled.
//
// Waiting acquirers are woken by grid change notifications and fall back to
// jittered exponential backoff. Wakeups are not ordered, so acquisition is
// best effort rather than FIFO. Releasing more permits than were taken fails
// with ErrOverRelease and leaves the record unchanged.
package semaphores
