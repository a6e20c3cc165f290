// Package dispatch owns the worker pool: it spawns worker subprocesses, sends
// them coordinator messages and routes their replies to registered handlers.
//
// Start spawns a fixed number of workers through a Spawner and registers each
// by pid. Every worker gets two goroutines: a writer draining a FIFO outbox
// onto the worker's stdin, and a reader decoding frames from its stdout. All
// inbound frames and process exits funnel into a single event loop goroutine,
// which invokes the handlers and applies state transitions. Handlers therefore
// never run concurrently with each other.
//
// Worker lifecycle:
//
//	Spawning -> Active -> Exiting -> Terminated
//	Spawning -> Active -> Terminated            (crash, kill)
//
// Key features:
//   - Non-blocking Dispatch; failures are logged and returned, never retried
//   - At-most-once Exit per worker; Exit closes the worker's outbox
//   - Per-worker FIFO in both directions, no ordering across workers
//   - Outstanding request tracking with TTL (correlation ids, retry payloads)
//   - Unknown kinds are protocol violations: logged loudly, processing aborted
//   - Exit observer logs exit code and signal once per worker; no respawn
//   - Shutdown sends Exit to every active worker and only kills survivors
//     once its context expires
//
// Error handling:
//   - Bad worker count, missing handler, nil spawner -> ErrInvalidConfiguration
//   - Unknown pid / unavailable worker / full outbox -> ErrDeliveryFailed
//   - Broken pipe while writing -> logged + "delivery.failed" event
//   - Handler panic -> recovered and logged, loop keeps running
package dispatch
