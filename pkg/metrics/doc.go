// Package metrics registers the Prometheus instruments for the bundle
// manager, scheduler, and worker caches, and exposes the scrape handler.
package metrics
