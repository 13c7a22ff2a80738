// Package state is the worker's durable record of its live runs: a
// bbolt-backed table of one JSON-encoded types.Run per key, keyed by run
// UUID, so a crashed worker can reconstruct every in-flight run on
// restart instead of losing track of it.
package state
