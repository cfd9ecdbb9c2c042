package consensus

import "testing"

func testPeers() []PeerID {
	return []PeerID{PeerID{1}, PeerID{2}, PeerID{3}}
}

func testProposal(height, skips uint64, lastHash Hash) (*Proposal, Hash) {
	m := ProposalManifest{
		LastProposalHash: lastHash,
		Height:           height,
		Skips:            skips,
		LeaderID:         PeerID{1},
		Txns:             nil,
		Peers:            testPeers(),
	}
	p := NewProposal(m)
	return p, p.Hash()
}

func TestNewProposalCache(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
	if cache.Height() != 0 {
		t.Fatalf("Height() = %d, want 0", cache.Height())
	}
	if cache.MaxHeight() != 0 {
		t.Fatalf("MaxHeight() = %d, want 0", cache.MaxHeight())
	}
	if !cache.Contains(genesisHash) {
		t.Fatalf("cache does not contain genesis hash")
	}
}

func TestProposalCacheInsert(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	p1, _ := testProposal(1, 0, genesisHash)
	cache.Insert(p1)

	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}
	if cache.Height() != 0 {
		t.Fatalf("Height() = %d, want 0", cache.Height())
	}
	if cache.MaxHeight() != 1 {
		t.Fatalf("MaxHeight() = %d, want 1", cache.MaxHeight())
	}
}

func TestProposalCacheConfirm(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	p1, p1Hash := testProposal(1, 0, genesisHash)
	cache.Insert(p1)
	cache.Confirm(p1Hash)

	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}
	if cache.Height() != 1 {
		t.Fatalf("Height() = %d, want 1", cache.Height())
	}
	if cache.LastConfirmedProposal().Hash() != p1Hash {
		t.Fatalf("last confirmed proposal hash mismatch")
	}
}

func TestProposalCacheIsDescendant(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	p1, p1Hash := testProposal(1, 0, genesisHash)
	p2, p2Hash := testProposal(2, 0, p1Hash)
	p3, p3Hash := testProposal(3, 0, genesisHash)
	cache.Insert(p1)
	cache.Insert(p2)
	cache.Insert(p3)

	if !cache.isDescendant(genesisHash, p2Hash) {
		t.Errorf("genesis should be an ancestor of p2")
	}
	if !cache.isDescendant(genesisHash, p3Hash) {
		t.Errorf("genesis should be an ancestor of p3")
	}
	if cache.isDescendant(p2Hash, genesisHash) {
		t.Errorf("p2 should not be an ancestor of genesis")
	}
	if cache.isDescendant(p1Hash, p3Hash) {
		t.Errorf("p1 should not be an ancestor of p3")
	}
}

func TestProposalCachePurge(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	p1a, p1aHash := testProposal(1, 0, genesisHash)
	p1b, p1bHash := testProposal(1, 1, HashBytes([]byte{1}))

	cache.Insert(p1a)
	cache.Insert(p1b)

	if cache.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", cache.Len())
	}

	cache.purge()

	if cache.Len() != 2 {
		t.Fatalf("Len() after purge = %d, want 2", cache.Len())
	}
	if !cache.Contains(p1aHash) {
		t.Errorf("p1a should not have been purged")
	}
	if cache.Contains(p1bHash) {
		t.Errorf("p1b should have been purged (parent not in cache)")
	}

	lastHash := p1aHash
	for h := uint64(2); h < 1010; h++ {
		p, hash := testProposal(h, 0, lastHash)
		cache.Insert(p)
		lastHash = hash
	}

	cache.Confirm(lastHash)

	if cache.Len() != 1001 {
		t.Fatalf("Len() after deep confirm = %d, want 1001", cache.Len())
	}
}

func TestProposalCacheNextPendingProposal(t *testing.T) {
	genesis, genesisHash := testProposal(0, 0, GenesisHash)
	cache := NewProposalCache(genesis, 1000)

	p1, p1Hash := testProposal(1, 0, genesisHash)
	p2a, p2aHash := testProposal(2, 0, p1Hash)
	p2b, p2bHash := testProposal(2, 1, p1Hash)
	p3a, _ := testProposal(3, 0, p2aHash)
	p3b, _ := testProposal(3, 1, p2bHash)

	cache.Insert(p1)
	cache.Insert(p2a)
	cache.Insert(p2b)
	cache.Insert(p3a)
	cache.Insert(p3b)

	if cache.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", cache.Len())
	}
	if cache.Height() != 0 {
		t.Fatalf("Height() = %d, want 0", cache.Height())
	}
	if cache.MaxHeight() != 3 {
		t.Fatalf("MaxHeight() = %d, want 3", cache.MaxHeight())
	}

	next, ok := cache.NextPendingProposal(0)
	if !ok || next.Hash() != p1Hash {
		t.Fatalf("NextPendingProposal(0) before confirm = %+v, ok=%v, want p1", next, ok)
	}

	cache.Confirm(p2aHash)

	next, ok = cache.NextPendingProposal(0)
	if !ok || next.Height() != 3 || next.Skips() != 0 {
		t.Fatalf("NextPendingProposal(0) after confirm = %+v, ok=%v, want p3a", next, ok)
	}
}
