/*
Package types defines the shared data model for the Burrow bundle lifecycle
core: bundles and their dependencies, the bundle and run state machines'
state sets, worker projections, dependency/image cache rows, and the JSON
messages exchanged between the bundle manager and workers.

Frequently touched shapes are typed records (Bundle, RunResources, Worker,
DependencyState, RunState); open-ended bundle attributes live in a single
string-keyed metadata bag with typed accessors.
*/
package types
