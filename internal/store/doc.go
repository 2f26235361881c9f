// Package store defines interfaces for persistence dependencies (sources,
// runs and blocks). Implementations live in internal/storage; this package
// must not import database drivers or concrete clients.
package store
