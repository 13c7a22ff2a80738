/*
Package types defines the data structures shared across the worker: bundle
assignments, the Run record, cache entries, and the control-channel message
envelope.

# Core types

  - BundleAssignment: the input to a run — command, dependencies, image,
    requested resources.
  - Run: the worker's durable view of a live job, including its state
    machine position (RunState) and the minimal fields needed to rebind to
    a still-running container after a restart.
  - Message: the single tagged-union envelope returned by check-in; Type
    discriminates which of the other fields are populated.
  - DependencyCacheEntry / ImageCacheEntry: the two caches' entry shapes.

# State machine

	PREPARING -> STAGING -> RUNNING -> FINALIZING -> UPLOADING -> FINISHED
	    |            |          |                        |
	    v            v          v                        v
	  FAILED       FAILED     FAILED                   FAILED

RunState.Terminal reports the two absorbing states.
*/
package types
