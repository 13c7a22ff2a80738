/*
Package bundleservice implements the worker's client to the central bundle
service: long-poll check-in, graceful checkout, bundle content streaming,
run metadata/output reporting, duplex read/netcat sockets, and self-upgrade
code retrieval.

Client is the interface every caller depends on; HTTPClient is the
production implementation over net/http and gorilla/websocket. CheckIn,
Checkout, UpdateRunMetadata and UploadRunOutput are wrapped by the retry
helper in retry.go, which distinguishes transient (network/5xx) errors —
retried forever with a fixed 1s sleep — from permanent errors, which are
returned immediately. GetBundleContents and OpenReadSocket make a single
attempt and return any error to the caller. GetCode has its own loop: an
upgrade download retries on any failure whatsoever, since by then the
worker has agreed to drain and cannot usefully revert.
*/
package bundleservice
