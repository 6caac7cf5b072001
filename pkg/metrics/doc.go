/*
Package metrics exports Prometheus collectors for the dispatch engine.

Collectors are package-level and registered in init; the HTTP surface
mounts Handler() on /metrics. The Timer helper wraps the common
observe-elapsed pattern used by handlers and workers.
*/
package metrics
