/*
Package worker runs bundles on a single machine.

RunManager holds the table of in-flight RunStates and ticks each one through
PREPARING, RUNNING, CLEANING_UP, UPLOADING_RESULTS, FINALIZING and FINISHED.
Every handler is idempotent: the table is committed after each tick, so a
crash replays the current stage without side effects. Worker wraps the
manager in the checkin loop, advertising resources and cached dependencies
and dispatching the one directive each response may carry.
*/
package worker
