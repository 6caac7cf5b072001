/*
Package storage provides durable records for jobs, tokens and node state.

The Store interface is implemented by a BoltDB-backed store: one bucket
per entity, JSON values keyed by id. Job status transitions go through
UpdateJob, which applies a mutator inside a single transaction so a
status change can never be observed without the timestamps it implies.

NodeState rows are a cache of the queue manager's in-memory counters;
readers that need authority ask the queue manager, not this package.
*/
package storage
