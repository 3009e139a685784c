/*
Package storage is the transactional source of truth for the bundle lifecycle
core: bundles with their state machine columns, worker rows, claim rows
linking bundles to workers, and user quota records.

The Store interface exposes guarded transitions (staged → starting, restage,
worker-offline, finish) that take the expected prior state and report whether
the caller won the race, so concurrent manager ticks and worker checkins
never clobber each other. BoltStore backs it with BoltDB; the Hub carries
out-of-band JSON directives to connected worker sockets.
*/
package storage
