package network

import "testing"

func TestNewManager_DefaultPrefix(t *testing.T) {
	m := NewManager("")
	if got, want := m.ExtNetwork(), DefaultPrefix+"_ext"; got != want {
		t.Errorf("ExtNetwork() = %q, want %q", got, want)
	}
	if got, want := m.IntNetwork(), DefaultPrefix+"_int"; got != want {
		t.Errorf("IntNetwork() = %q, want %q", got, want)
	}
}

func TestNewManager_CustomPrefix(t *testing.T) {
	m := NewManager("myworker")
	if got, want := m.ExtNetwork(), "myworker_ext"; got != want {
		t.Errorf("ExtNetwork() = %q, want %q", got, want)
	}
	if got, want := m.IntNetwork(), "myworker_int"; got != want {
		t.Errorf("IntNetwork() = %q, want %q", got, want)
	}
}

func TestAllocateIP_DistinctPerNetwork(t *testing.T) {
	m := NewManager("w")

	a := m.AllocateIP(m.ExtNetwork())
	b := m.AllocateIP(m.ExtNetwork())
	if a == b {
		t.Errorf("consecutive allocations on one network must differ, both were %q", a)
	}

	c := m.AllocateIP(m.IntNetwork())
	if c == a || c == b {
		t.Errorf("isolated-network address %q collides with external-network addresses", c)
	}
}

func TestNetworkFor(t *testing.T) {
	m := NewManager("w")
	if got := m.NetworkFor(true); got != m.ExtNetwork() {
		t.Errorf("NetworkFor(true) = %q, want ext network %q", got, m.ExtNetwork())
	}
	if got := m.NetworkFor(false); got != m.IntNetwork() {
		t.Errorf("NetworkFor(false) = %q, want int network %q", got, m.IntNetwork())
	}
}
