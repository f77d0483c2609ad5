/*
Package graph maintains the task dependency DAG.

Nodes are task records; edges run from prerequisite to dependent and are
created at insertion time. The graph owns readiness bookkeeping: a task
becomes ready exactly when every prerequisite has succeeded, and permanent
failures cascade cancellation through the dependent closure.

Cycle detection runs on edge insertion with a depth-first walk over the
dependent closure of the edge's head, so a rejected edge leaves the graph
unchanged. The graph need not be connected.
*/
package graph
