// Package log wraps zerolog with a process-global logger and helpers for
// attaching the component, bundle and worker fields used across Burrow.
package log
