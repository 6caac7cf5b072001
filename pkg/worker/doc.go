/*
Package worker runs one long-lived loop per compute node, consuming
that node's queue and driving each job through its lifecycle:

	dequeue → running → launch → supervise → reap → terminal

Supervision polls the remote process every couple of seconds, watching
for three exits: the process finishing, the wall clock exceeding
expected_time times the timeout multiplier, and a cancellation flag on
the job row. The transport is revalidated on every poll, so an SSH drop
is repaired rather than misread as process exit — the workload survives
because it was launched detached.

Once its row is loaded, a dequeued job releases its queue load exactly
once, and a connect, launch, timeout or output-fetch failure ends it in
a terminal state; workers themselves never exit on error.
*/
package worker
