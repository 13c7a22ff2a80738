/*
Package runtime adapts containerd to the worker's container lifecycle needs:
pull, create with cpuset/GPU/memory bounds, start with restartable log
capture, stop, delete, and status/IP queries.

# CPU and GPU binding

CPU affinity is applied as a cpuset cgroup constraint (oci.WithCPUs) backed
by a matching CFS quota, so a run can never burst past the core count the
resource pool allocated to it even for a moment. GPUs are exposed as device
nodes (oci.WithLinuxDevice) plus an optional named OCI runtime hook for
vendor runtimes.

# Logs

StartContainer writes combined stdout/stderr to a log file rather than an
in-memory pipe; GetContainerLogs reopens that file and seeks to a byte
offset, so log tailing resumes correctly after a worker restart without
replaying output a client has already seen.
*/
package runtime
