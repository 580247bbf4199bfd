// Package queues implements distributed FIFO queues on a grid.Store.
//
// Every entry of a queue (its elements and the head and tail pointers) is
// routed by the queue name, so each operation runs as a single processor at
// the owning partition and needs no cross-key transaction. Elements are
// addressed by QueueKey; the reserved positions IDHead and IDTail address the
// pointers, and operations sent to them act on the matching end of the queue.
//
// Polls carry an invocation id so a poll retried after a lost reply returns
// the element it removed instead of a second one.
package queues
