/*
Package scheduler assigns staged run bundles to workers.

Each tick validates resource requests against limits and quotas, orders every
owner's queue by priority without disturbing other owners' positions, builds
deep-copied worker views with resources pre-deducted by the runs already on
them, and dispatches down the ordered list: domination filter, locality-aware
candidate sort, atomic STARTING claim, and a short-deadline run offer that is
reverted if the worker does not accept.
*/
package scheduler
