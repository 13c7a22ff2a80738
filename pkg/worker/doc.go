// Package worker implements the top-level node agent loop: check-in,
// resume, dispatch, and drain. It owns the worker's Resource Pool,
// Dependency Cache, Image Cache, Worker State Store, and the set of
// live run.Run drivers, wiring them together the way cmd/worker's
// entrypoint expects.
package worker
