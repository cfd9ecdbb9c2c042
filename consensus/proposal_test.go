package consensus

import "testing"

func TestManifestHashRoundTrip(t *testing.T) {
	m := ProposalManifest{
		LastProposalHash: GenesisHash,
		Height:           1,
		Skips:            0,
		LeaderID:         PeerID{1},
		Txns:             []Txn{[]byte("tx1")},
		Peers:            testPeers(),
	}
	h1 := m.Hash()
	h2 := m.Hash()
	if h1 != h2 {
		t.Fatalf("Hash() is not stable across calls")
	}

	m2 := m
	m2.Height = 2
	if m2.Hash() == h1 {
		t.Fatalf("changing Height did not change the hash")
	}

	m3 := m
	m3.Txns = []Txn{[]byte("tx2")}
	if m3.Hash() == h1 {
		t.Fatalf("changing Txns did not change the hash")
	}
}

func TestGetNextLeaderCyclesDeterministically(t *testing.T) {
	peers := testPeers()
	m := GenesisManifest(peers)
	p := NewProposal(m)

	seen := make(map[string]bool)
	n := uint64(len(peers))
	for skip := uint64(0); skip < n; skip++ {
		leader := p.GetNextLeader(skip)
		seen[leader.String()] = true

		// Same inputs must produce the same leader every time.
		if again := p.GetNextLeader(skip); !again.Equal(leader) {
			t.Fatalf("GetNextLeader(%d) is not deterministic", skip)
		}
	}
	if len(seen) != len(peers) {
		t.Fatalf("GetNextLeader did not cycle through all peers: saw %d of %d", len(seen), len(peers))
	}

	// And it must wrap around.
	if !p.GetNextLeader(0).Equal(p.GetNextLeader(n)) {
		t.Fatalf("GetNextLeader(%d) should wrap to GetNextLeader(0)", n)
	}
}

func TestAddAcceptEdgeTriggered(t *testing.T) {
	peers := testPeers() // N=3, majority=2
	m := GenesisManifest(peers)
	p := NewProposal(m)

	if crossed := p.AddAccept(0, PeerID{1}); crossed {
		t.Fatalf("first accept should not cross majority for N=3")
	}
	if crossed := p.AddAccept(0, PeerID{2}); !crossed {
		t.Fatalf("second accept should cross majority for N=3")
	}
	if crossed := p.AddAccept(0, PeerID{3}); crossed {
		t.Fatalf("third accept must not re-trigger the edge (already crossed)")
	}
	if crossed := p.AddAccept(0, PeerID{2}); crossed {
		t.Fatalf("duplicate accept from the same peer must not re-trigger")
	}
	if p.AcceptCount(0) != 3 {
		t.Fatalf("AcceptCount(0) = %d, want 3", p.AcceptCount(0))
	}
}

func TestAddAcceptPerSkipIsolated(t *testing.T) {
	peers := testPeers()
	m := GenesisManifest(peers)
	p := NewProposal(m)

	p.AddAccept(0, PeerID{1})
	if crossed := p.AddAccept(1, PeerID{1}); crossed {
		t.Fatalf("a lone accept at a new skip count should not cross majority")
	}
	if p.AcceptCount(0) != 1 || p.AcceptCount(1) != 1 {
		t.Fatalf("accept sets at different skip counts must not share state")
	}
}
