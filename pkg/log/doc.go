/*
Package log holds the worker's single zerolog sink and the two child-logger
helpers the rest of the codebase uses.

	log.Init(log.Config{Level: "info", JSONOutput: true})

	log.WithRunID(run.UUID).Info().Str("state", string(run.State)).Msg("run transitioned")
	log.WithComponent("depcache").Warn().Err(err).Msg("eviction failed")

Logger defaults to console output on stderr so code logs sensibly even
before Init runs (tests, for instance, never call it).
*/
package log
