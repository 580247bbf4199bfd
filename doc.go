// Package gridsync provides distributed counting semaphores and distributed
// queues built as atomic per-key processors over a partitioned key-value
// grid.
//
// # Sessions
//
// A Session owns one grid store and the semaphore registry and queue service
// running on it. Open registers the session by name; FindSession resolves it
// later and fails with ErrSessionNotInitialized when the name was never
// opened.
//
//	sess, err := gridsync.Open(ctx, gridsync.Config{
//	    SessionName: "billing",
//	    Store:       "mem://",
//	})
//	if err != nil { log.Fatal(err) }
//	defer sess.Close(context.Background())
//
// # Stores
//
// Config.Store selects the engine:
//
//   - mem:// runs the in-process partitioned engine: hashed partitions, one
//     worker per partition and a synchronous backup replica.
//   - memobj:// runs the object engine over an in-process object store. It
//     behaves like the shared backends without touching disk or network.
//   - disk:///path, sqlite:///path/grid.db, s3://host/bucket/prefix,
//     aws://bucket/prefix and azure://account/container/prefix run the object
//     engine, which keeps one object per routing group and serializes
//     processors with conditional (ETag) writes, so processes sharing the
//     directory, database or bucket coordinate with each other.
//
// Both engines record the result of each invocation under its invocation id,
// so a retried mutation is applied at most once.
//
// # Semaphores
//
//	sem, err := sess.RemoteSemaphore(ctx, "exports", 4)
//	if err := sem.Acquire(ctx, 1); err != nil { return err }
//	defer sem.Release(context.Background(), 1)
//
// Every process asking for "exports" must agree on the capacity; a different
// count fails with *semaphores.CapacityMismatchError. Releasing more permits
// than are held fails with semaphores.ErrOverRelease and leaves the stored
// record unchanged.
//
// # Queues
//
//	q, _ := sess.Queue("jobs")
//	q.Offer(ctx, []byte("payload"))
//	res, _ := q.Take(ctx)
//
// Offer appends at the tail, OfferHead prepends, and Peek/Poll address the
// head unless given the tail sentinel. Two concurrent polls never return the
// same element.
//
// # Telemetry
//
// Config.OTLPEndpoint exports spans over OTLP (gRPC or HTTP) and
// Config.MetricsListen serves Prometheus metrics for semaphore and queue
// activity and partition occupancy.
package gridsync
