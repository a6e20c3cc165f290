// Package worker runs the worker side of the forkpool protocol.
//
// A worker reads coordinator frames from its stdin one at a time and answers
// each with exactly one frame on its stdout. Handling is strictly sequential:
// no two handlers ever run concurrently inside one worker, so handlers need no
// locking.
//
// State machine:
//
//	Idle -> Handling -> Idle        (work, retry)
//	Idle -> Handling -> Terminated  (exit)
//
// Failure containment:
//   - Handler error or panic -> Error{id, description}, worker keeps running
//   - Unknown kind -> logged as a protocol violation, Error{id}, keeps running
//   - Malformed frame -> Error{id or -1}, keeps running
//   - Exit handler failure -> Error{-1}, worker terminates with exit code 1
//   - stdin EOF -> Run returns ErrChannelClosed
//
// Logs go to stderr. Stdout carries protocol frames only.
package worker
