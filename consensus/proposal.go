package consensus

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Txn is an opaque transaction payload. The consensus core never inspects
// its contents; it only orders, hashes, and hands it back to the host.
type Txn []byte

// ProposalAccept is sent by a peer to the next leader to endorse a
// proposal. The sender computes leader_id using the same deterministic
// ordering as the recipient, so a misrouted accept (one whose leader_id
// isn't us) can be identified and dropped without any shared state.
type ProposalAccept struct {
	ProposalHash Hash
	LeaderID     PeerID
	Height       uint64
	Skips        uint64
}

// ProposalManifest is the immutable, wire-visible payload of one round. Its
// hash (see Hash) is the identifier used everywhere the proposal is
// referenced. Field order and encoding must be bit-stable across peers.
type ProposalManifest struct {
	LastProposalHash Hash
	Skips            uint64
	Height           uint64
	LeaderID         PeerID
	Txns             []Txn
	Peers            []PeerID
}

// GenesisManifest builds the synthetic, well-known manifest that seeds a
// fresh consensus instance: height 0, confirmed, authored by no real peer,
// with no parent (ZeroHash).
func GenesisManifest(peers []PeerID) ProposalManifest {
	return ProposalManifest{
		LastProposalHash: ZeroHash,
		Skips:            0,
		Height:           0,
		LeaderID:         GenesisPeerID,
		Txns:             nil,
		Peers:            peers,
	}
}

// canonicalEncode produces the bit-stable byte sequence hashed to form the
// proposal hash. Every variable-length field is length-prefixed so that
// distinct field boundaries can never collide, mirroring the length-prefix
// convention core.ComputeTxRoot already uses elsewhere in this repository.
func (m *ProposalManifest) canonicalEncode() []byte {
	var buf bytes.Buffer
	var u64 [8]byte

	buf.Write(m.LastProposalHash[:])

	binary.BigEndian.PutUint64(u64[:], m.Skips)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], m.Height)
	buf.Write(u64[:])

	writeLenPrefixed(&buf, m.LeaderID)

	binary.BigEndian.PutUint64(u64[:], uint64(len(m.Txns)))
	buf.Write(u64[:])
	for _, txn := range m.Txns {
		writeLenPrefixed(&buf, txn)
	}

	binary.BigEndian.PutUint64(u64[:], uint64(len(m.Peers)))
	buf.Write(u64[:])
	for _, peer := range m.Peers {
		writeLenPrefixed(&buf, peer)
	}

	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

// Hash returns the content hash of the manifest: the consensus identifier
// for this proposal. Changing any field changes the hash.
func (m *ProposalManifest) Hash() Hash {
	return HashBytes(m.canonicalEncode())
}

// Proposal wraps an immutable manifest with the local, mutable state needed
// to drive consensus: the accept tally (per skip count, because a proposal
// may accumulate acceptances across skip rounds as leadership rotates) and
// the manifest's peer set pre-sorted by XOR distance to this proposal's hash.
type Proposal struct {
	Manifest ProposalManifest

	hash            Hash
	peersByDistance []PeerID
	incomingAccepts map[uint64]map[string]struct{}
}

// NewProposal builds a Proposal from a manifest: computes the hash, sorts
// the peer set by distance to that hash, and starts with an empty accept
// table.
func NewProposal(manifest ProposalManifest) *Proposal {
	hash := manifest.Hash()

	peers := make([]PeerID, len(manifest.Peers))
	copy(peers, manifest.Peers)
	sort.Slice(peers, func(i, j int) bool {
		return distance(peers[i], hash).Cmp(distance(peers[j], hash)) < 0
	})

	return &Proposal{
		Manifest:        manifest,
		hash:            hash,
		peersByDistance: peers,
		incomingAccepts: make(map[uint64]map[string]struct{}),
	}
}

// Hash returns this proposal's content hash.
func (p *Proposal) Hash() Hash {
	return p.hash
}

// LastHash returns the hash of this proposal's parent.
func (p *Proposal) LastHash() Hash {
	return p.Manifest.LastProposalHash
}

// Height returns this proposal's height.
func (p *Proposal) Height() uint64 {
	return p.Manifest.Height
}

// Skips returns the skip count in effect when this proposal was produced.
func (p *Proposal) Skips() uint64 {
	return p.Manifest.Skips
}

// GetNextLeader returns the peer designated to lead the round `skip` rounds
// after this proposal. skip == 0 means "the ordinary next-round leader";
// skip == N means "after N leader-skips from here". The result cycles
// through the full peer set as skip ranges over [0, N).
func (p *Proposal) GetNextLeader(skip uint64) PeerID {
	n := uint64(len(p.peersByDistance))
	if n == 0 {
		return nil
	}
	return p.peersByDistance[skip%n]
}

// AddAccept records that peer accepted this proposal at the given skip
// count. It returns true if and only if this insertion was new AND it
// caused the accept set for that skip to cross the strict majority
// threshold for the first time — edge-triggered so a caller emits exactly
// one Commit per proposal even as further accepts keep arriving.
func (p *Proposal) AddAccept(skip uint64, peer PeerID) bool {
	n := len(p.peersByDistance)
	if n == 0 {
		return false
	}

	set, ok := p.incomingAccepts[skip]
	if !ok {
		set = make(map[string]struct{})
		p.incomingAccepts[skip] = set
	}

	key := string(peer)
	if _, already := set[key]; already {
		return false
	}
	set[key] = struct{}{}

	majority := n/2 + 1
	return len(set) == majority
}

// AcceptCount returns how many distinct peers have accepted this proposal
// at the given skip count. Exposed for tests and observability.
func (p *Proposal) AcceptCount(skip uint64) int {
	return len(p.incomingAccepts[skip])
}

// HasMajority reports whether the accept set at the given skip count has
// reached strict majority. Unlike AddAccept this is not edge-triggered: it
// can be called any number of times and simply reflects current state,
// used by the store to re-check a proposal it already voted on without
// re-registering a vote.
func (p *Proposal) HasMajority(skip uint64) bool {
	n := len(p.peersByDistance)
	if n == 0 {
		return false
	}
	return len(p.incomingAccepts[skip]) >= n/2+1
}
