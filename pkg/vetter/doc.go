/*
Package vetter screens submitted code before it reaches a compute node.

The pipeline has two stages. A static scan walks the source against a
rule table (rules.go) that classifies names as critical or warning;
any critical match rejects immediately with full confidence and no
network call. Clean code then goes to a chat-completion endpoint for a
structured safety/relevance verdict, throttled and with a short
timeout. Transport or parse failures on that path fail closed: code we
could not vet does not run.

Quick mode stops after the static stage, for operation without an API
key or under load.
*/
package vetter
