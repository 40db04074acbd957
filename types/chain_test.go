package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainNode_Equal(t *testing.T) {
	mb := Middlebox{ID: "mb-1", Address: netip.MustParseAddr("10.0.0.1")}
	inst := ServiceInstance{ID: "dpi-1", Address: netip.MustParseAddr("10.0.1.1")}

	tests := []struct {
		name string
		a, b ChainNode
		want bool
	}{
		{"same middlebox", MiddleboxNode(mb), MiddleboxNode(Middlebox{ID: "mb-1"}), true},
		{"different middlebox", MiddleboxNode(mb), MiddleboxNode(Middlebox{ID: "mb-2"}), false},
		{"same instance", InstanceNode(inst), InstanceNode(ServiceInstance{ID: "dpi-1"}), true},
		{"generic by address", GenericNode(mb.Address), GenericNode(netip.MustParseAddr("10.0.0.1")), true},
		{"kind mismatch", MiddleboxNode(mb), GenericNode(mb.Address), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestChainNode_Address(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.5")

	require.Equal(t, addr, MiddleboxNode(Middlebox{ID: "m", Address: addr}).Address())
	require.Equal(t, addr, InstanceNode(ServiceInstance{ID: "i", Address: addr}).Address())
	require.Equal(t, addr, GenericNode(addr).Address())
}

func TestPolicyChain(t *testing.T) {
	mb1 := Middlebox{ID: "mb-1", Address: netip.MustParseAddr("10.0.0.1")}
	mb2 := Middlebox{ID: "mb-2", Address: netip.MustParseAddr("10.0.0.2")}
	gw := netip.MustParseAddr("10.0.0.254")

	chain := NewPolicyChain("web", MiddleboxNode(mb1), GenericNode(gw), MiddleboxNode(mb2))

	t.Run("contains middlebox", func(t *testing.T) {
		require.True(t, chain.ContainsMiddlebox("mb-1"))
		require.True(t, chain.ContainsMiddlebox("mb-2"))
		require.False(t, chain.ContainsMiddlebox("mb-3"))
	})

	t.Run("middleboxes skip other nodes", func(t *testing.T) {
		require.Equal(t, []Middlebox{mb1, mb2}, chain.Middleboxes())
	})

	t.Run("value equality", func(t *testing.T) {
		same := NewPolicyChain("web", MiddleboxNode(mb1), GenericNode(gw), MiddleboxNode(mb2))
		reordered := NewPolicyChain("web", MiddleboxNode(mb2), GenericNode(gw), MiddleboxNode(mb1))
		renamed := NewPolicyChain("mail", MiddleboxNode(mb1), GenericNode(gw), MiddleboxNode(mb2))

		require.True(t, chain.Equal(same))
		require.False(t, chain.Equal(reordered))
		require.False(t, chain.Equal(renamed))
		require.True(t, ChainsEqual([]PolicyChain{chain}, []PolicyChain{same}))
		require.False(t, ChainsEqual([]PolicyChain{chain}, nil))
	})

	t.Run("raw form keeps addresses in order", func(t *testing.T) {
		raw := chain.Raw()
		require.Equal(t, "web", raw.TrafficClass)
		require.Equal(t, []netip.Addr{mb1.Address, gw, mb2.Address}, raw.Chain)
	})
}

func TestFingerprint(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	chains := []RawPolicyChain{{TrafficClass: "web", Chain: []netip.Addr{a, b}}}
	same := []RawPolicyChain{{TrafficClass: "web", Chain: []netip.Addr{a, b}}}
	swapped := []RawPolicyChain{{TrafficClass: "web", Chain: []netip.Addr{b, a}}}
	split := []RawPolicyChain{
		{TrafficClass: "we", Chain: nil},
		{TrafficClass: "b", Chain: []netip.Addr{a, b}},
	}

	require.True(t, RawChainsEqual(chains, same))
	require.Equal(t, Fingerprint(chains), Fingerprint(same))
	require.NotEqual(t, Fingerprint(chains), Fingerprint(swapped))
	require.NotEqual(t, Fingerprint(chains), Fingerprint(split))
	require.Equal(t, Fingerprint(nil), Fingerprint([]RawPolicyChain{}))
}
