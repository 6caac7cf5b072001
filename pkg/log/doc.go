/*
Package log provides structured logging for gpuq built on zerolog.

Call Init once at startup, then derive child loggers per component:

	logger := log.WithComponent("worker")
	logger.Info().Str("job_id", id).Msg("Job dequeued")

Console output is the default; pass JSONOutput for machine-readable logs.
*/
package log
