package consensus

import (
	"crypto/sha256"
	"math/big"
)

// Hash is a 32-byte content hash used throughout the consensus core to
// identify proposals. All peers must compute it identically or they will
// disagree on the leader.
type Hash [32]byte

// ZeroHash is the all-zero hash, used only as a sentinel for "no parent".
var ZeroHash Hash

// GenesisHash is the distinguished hash of the synthetic genesis proposal
// (see Genesis), which height-1 proposals name as their parent: SHA-256 of a
// single zero byte.
var GenesisHash = HashBytes([]byte{0})

// PeerID is an opaque peer identifier; equality is byte equality.
type PeerID []byte

// GenesisPeerID is the synthetic leader of the genesis manifest.
var GenesisPeerID = PeerID("genesis")

// Equal reports whether two peer IDs are byte-identical.
func (p PeerID) Equal(other PeerID) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the peer ID for logging.
func (p PeerID) String() string {
	return string(p)
}

// HashBytes returns the SHA-256 digest of data as a Hash.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// String renders the hash as lowercase hex, for logging.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(h)*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// distance computes the XOR-distance between the SHA-256 digests of a peer
// ID and a proposal hash, compared as an unsigned big-endian integer. This
// is the Kademlia-style metric spec.md §4.1 requires for leader ordering:
// deterministic, stable, and identical across all honest peers.
func distance(peer PeerID, proposalHash Hash) *big.Int {
	peerDigest := sha256.Sum256(peer)
	var xored [32]byte
	for i := range xored {
		xored[i] = peerDigest[i] ^ proposalHash[i]
	}
	return new(big.Int).SetBytes(xored[:])
}
