/*
Package imagecache implements the image cache: container images are pulled
through the runtime adapter at most once per reference, reference-counted
while runs use them, and evicted oldest-idle-first once total image size
exceeds the configured quota.

Unlike the dependency cache, ground truth for size and presence lives in
the container runtime itself (ListImages), not on a side index, so a
restart reconciles cleanly: whatever containerd already has pulled is
adopted as a ready entry with refcount zero.
*/
package imagecache
