// Package mongo provides the MongoDB-backed persistence layer for runs,
// plan snapshots, node states, and run outputs. It implements the core
// store.Store contract; the in-memory reference implementation lives in
// flex/store/inmem.
package mongo
