// Package imagecache tracks the container images pulled on a worker and
// evicts the least-recently-used ones when their combined virtual size
// exceeds the configured ceiling.
package imagecache
