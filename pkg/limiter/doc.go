/*
Package limiter implements the sliding-window rate limits that guard
submission and read endpoints.

Each Window keeps a pruned list of request timestamps per key. A denied
check reports how long the caller must wait for the oldest retained
request to leave the window, which the API layer surfaces as a retry
hint on 429 responses. Counters live in process memory only; a restart
resets them, which is acceptable for admission control.
*/
package limiter
