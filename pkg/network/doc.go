/*
Package network manages the worker's two local container networks: an
external-egress network and an isolated, no-egress network. Both are
created once at startup if absent, named "<prefix>_ext" and "<prefix>_int"
(the prefix defaults to "codalab_worker_network").

Networks are plain Linux bridges; egress policy is enforced with iptables
FORWARD/MASQUERADE rules rather than a CNI plugin, following the same
direct exec.Command("iptables", ...) idiom used elsewhere in this
codebase for host-level network configuration. A started container is
joined to its bridge with a veth pair: the host end is enslaved to the
bridge, the peer is moved into the container's network namespace,
renamed eth0, and assigned the next address on the bridge's /24.
*/
package network
