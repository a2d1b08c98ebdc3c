// Package storage persists the game economy: entities, items, holdings, the
// ledger and deferred tasks.
//
// Two backends implement Store:
//   - "memory": process-local maps, used by tests and throwaway runs
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//
// RunTransaction bodies must only use the Tx they are given; calling back into
// the Store from inside a body deadlocks both backends.
package storage
