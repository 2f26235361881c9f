// Package progress carries run progress from the coordinator to pluggable
// sinks: structured logs, Prometheus counters and run notifications. Item
// traffic is best effort; run start and completion events have a lane of their
// own so completions are not lost behind a burst of item events.
package progress
