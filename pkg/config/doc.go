/*
Package config centralises every tunable of the gpuq server.

Configuration is a single YAML file layered over built-in defaults, with
the one secret (OPENROUTER_API_KEY) taken from the environment. Node ids
must be contiguous from zero because queues, workers and NodeState rows
are all indexed by position in the node list.
*/
package config
