/*
Package scheduler contains the central coordination loops.

Task ids are hashed across a small number of shards; each shard goroutine
owns a priority queue and a completion channel and runs the assignment
pipeline: peek the top task, reserve a worker slot, select a provider,
then pop and hand the assignment to the dispatcher. Failed attempts
re-enter the queue after exponential backoff with jitter; permanent
failures cascade cancellation through the dependency graph. A shared
maintenance loop advances breaker cooldowns, expires stale workers and
leases, and decays idle load.
*/
package scheduler
