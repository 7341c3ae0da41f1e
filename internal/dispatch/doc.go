// Package dispatch serializes concurrent command submissions into one ordered
// delivery stream to the transport sink.
//
// Producers call Submit from any goroutine. Submit never blocks on I/O: it
// appends to the pending buffer and returns. A single delivery goroutine pops
// the buffer head, sends its frame, then waits a flat pacing interval because
// the controller cannot absorb commands faster than its actuation cycle.
//
// STOP preemption:
//   - Submitting STOP clears every pending command and appends STOP as the
//     sole element, in one critical section of the buffer lock.
//   - A command already handed to the sink is never retracted.
//   - Commands submitted after STOP are delivered after it, in order.
//
// Lifecycle:
//   - New creates the dispatcher (buffer empty); Start launches the loop.
//   - Shutdown appends the shutdown sentinel (queued commands are still
//     delivered first), joins the loop, then closes the sink once.
//   - Submit after Shutdown began returns ErrDispatcherClosed.
//
// Error handling:
//   - transport.WriteError → logged, command.failed event, loop continues
//   - transport.ErrUnavailable → loop exits, state dead, Done() closes,
//     Err() reports the cause, later Submit calls return ErrDispatcherDead
//
// No retries: a failed frame is not resent.
package dispatch
