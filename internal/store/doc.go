// Package store defines interfaces for persistence dependencies (e.g. the run
// repository backing the status API). Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
