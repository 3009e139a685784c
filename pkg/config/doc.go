// Package config loads and validates Burrow's YAML configuration: scheduler
// request limits, bundle-manager loop settings, and per-worker settings.
// Sizes accept humanized strings and durations accept Go duration syntax.
package config
