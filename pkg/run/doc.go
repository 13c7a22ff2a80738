/*
Package run drives one bundle assignment through its state machine:
PREPARING, STAGING, RUNNING, FINALIZING, UPLOADING, and the terminal
FINISHED/FAILED states. A Run is constructed either fresh, from a bundle
assignment handed down by check-in, or reconstructed from a persisted
types.Run record after a worker restart.

The RUNNING-state poll uses an exponential backoff (1s, growing by a
factor of 1.1, capped at 60s) that resets to 1s whenever the container
produces new stdout/stderr output. Log tail bytes and resource-usage
samples are batched with joeycumines/go-microbatch before being reported
to the bundle service; staging progress callbacks are coalesced with
joeycumines/go-longpoll so a flood of small byte-count updates becomes a
handful of update_run_metadata calls.

Out-of-band operations (read, netcat, write) run in their own execution
context alongside a live Run and never affect its state machine on
failure.
*/
package run
