/*
Package sshexec drives job execution on a compute node that is only
reachable through an SSH bastion.

Connect opens four nested legs: a TCP connection to the bastion with
OS keepalive, an SSH session over it authenticated by key or agent, a
direct-tcpip channel through that session to the node's SSH port, and
finally a second SSH session over the channel authenticated with the
node's password credentials. Application-layer keepalives run on both
sessions.

Launch detaches the remote process from the controlling session with
setsid + nohup + null stdin, so a dropped transport never propagates
SIGHUP to the workload; the worker later finds the process by the pid
echoed at launch. Output retrieval reconnects through the bastion and
retries with growing backoff, because result files outlive any single
transport.

An Executor belongs to exactly one worker and is never shared across
goroutines.
*/
package sshexec
