/*
Package queue implements least-load placement across the fixed node pool.

One FIFO queue and one cumulative load counter exist per node, protected
by a single mutex. Assign picks argmin over the load vector with the
lowest index winning ties, so two concurrent submissions are placed in a
total order consistent with mutex acquisition.

Load accounting is deliberately asymmetric: Dequeue leaves the load in
place so a running job still counts against its node, preventing the
scheduler from double-booking a node that is mid-job. Complete releases
load for jobs that ran; Remove releases it for jobs cancelled while
still queued. A job goes through exactly one of the two.
*/
package queue
