/*
Package api exposes the dispatch engine over HTTP JSON.

POST /api/submit runs the full admission pipeline — address limiter,
config parsing, token validation and user binding, code vetting, user
limiter, concurrency gate — then persists the job, places it on the
least-loaded node and waits a bounded time for completion. The wait is
a client convenience: the asynchronous path through /api/status and
/api/results is the primitive, and a wait expiry leaves the job
running.

Error responses follow a fixed taxonomy: 400 for validation and vetter
rejections, 401/403 for authentication and ownership, 404 for unknown
jobs, 429 with a retry hint for every admission limit, 500 otherwise.
Handlers never leak internals; user-visible messages are short strings.
*/
package api
