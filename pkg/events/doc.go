// Package events distributes bundle lifecycle and run-stage telemetry to
// in-process subscribers over buffered channels. Slow subscribers drop
// events rather than stall the publisher.
package events
