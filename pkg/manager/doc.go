/*
Package manager hosts the central bundle lifecycle loop.

BundleManager ticks on a fixed interval: stage CREATED bundles whose parents
are ready, assemble make bundles on a bounded pool, supervise the claimed
states (dead workers, stuck STARTING, lost PREPARING/RUNNING, FINALIZING
acknowledgements), dispatch staged run bundles through the scheduler, and
fail bundles stuck past the timeout. CheckinHandler is the worker-facing
half: it persists checkins, folds run reports into bundle rows, and hands
each worker at most one queued directive per checkin.
*/
package manager
