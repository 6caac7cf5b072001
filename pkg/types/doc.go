/*
Package types defines the core domain types shared across gpuq packages.

The central entity is Job, which moves through a closed set of states:

	pending → running → completed | failed | cancelled

A terminal status permits no further transitions; at most one job per user
may be pending or running at any time. Token rows carry only a sha256
fingerprint of the issued plaintext. NodeState rows mirror the queue
manager's in-memory counters and are treated as a cache, never as the
source of truth.

Types here are plain data with no behaviour beyond small predicates, so
that every package (storage, queue, worker, api) can depend on this one
without cycles.
*/
package types
