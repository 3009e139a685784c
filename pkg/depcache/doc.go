/*
Package depcache maintains the worker's on-disk cache of parent bundle
contents.

Each cache entry tracks a (parent UUID, parent path) key through
DOWNLOADING, READY and FAILED stages together with the set of run bundles
depending on it. At most one worker downloads a given key at a time; stale
claims are taken over after a timeout so a crashed downloader does not wedge
the entry. State survives restarts through a write-then-rename commit file,
and an eviction loop keeps both total bytes and the serialized snapshot
under their ceilings.
*/
package depcache
