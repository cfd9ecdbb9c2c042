package consensus

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ProposalCache holds every pending and recently confirmed proposal, keyed
// by hash, plus enough bookkeeping to answer "what's next" and "what can be
// purged" without re-walking the whole set each time.
type ProposalCache struct {
	proposals                 map[Hash]*Proposal
	lastConfirmedProposalHash Hash
	maxHeight                 uint64
	cacheSize                 uint64

	// seenHashes remembers hashes that were recently evicted by purge, so a
	// later lookup for one of them can be classified as "stale" rather than
	// "never seen" for logging and metrics. Bounded so long-running nodes
	// don't grow this without limit.
	seenHashes *lru.Cache[Hash, struct{}]
}

// NewProposalCache seeds a cache with the last-confirmed proposal (often the
// genesis proposal) and a purge window of cacheSize proposals below the
// confirmed height.
func NewProposalCache(lastConfirmed *Proposal, cacheSize uint64) *ProposalCache {
	seen, _ := lru.New[Hash, struct{}](4096)
	c := &ProposalCache{
		proposals:                 map[Hash]*Proposal{lastConfirmed.Hash(): lastConfirmed},
		lastConfirmedProposalHash: lastConfirmed.Hash(),
		maxHeight:                 lastConfirmed.Height(),
		cacheSize:                 cacheSize,
		seenHashes:                seen,
	}
	return c
}

// Height returns the height of the last-confirmed proposal.
func (c *ProposalCache) Height() uint64 {
	return c.mustGet(c.lastConfirmedProposalHash).Height()
}

// MaxHeight returns the largest height ever observed across all inserts.
func (c *ProposalCache) MaxHeight() uint64 {
	return c.maxHeight
}

// Len reports how many proposals are currently cached (tests/metrics only).
func (c *ProposalCache) Len() int {
	return len(c.proposals)
}

// Contains reports whether a proposal hash is currently cached.
func (c *ProposalCache) Contains(hash Hash) bool {
	_, ok := c.proposals[hash]
	return ok
}

// WasRecentlyPurged reports whether hash was cached and then evicted by a
// purge, as opposed to never having been seen at all.
func (c *ProposalCache) WasRecentlyPurged(hash Hash) bool {
	_, ok := c.seenHashes.Get(hash)
	return ok
}

// HasAboveHeight reports whether any cached proposal has a height strictly
// greater than the given height, used to distinguish "nothing pending" from
// "something pending but unreachable" (CatchingUp) in the store's decision
// tree.
func (c *ProposalCache) HasAboveHeight(height uint64) bool {
	for _, p := range c.proposals {
		if p.Height() > height {
			return true
		}
	}
	return false
}

// Insert stores a proposal by its hash and extends max-height tracking.
func (c *ProposalCache) Insert(p *Proposal) {
	if p.Height() > c.maxHeight {
		c.maxHeight = p.Height()
	}
	c.proposals[p.Hash()] = p
}

// Get returns the proposal for hash, if cached.
func (c *ProposalCache) Get(hash Hash) (*Proposal, bool) {
	p, ok := c.proposals[hash]
	return p, ok
}

// LastConfirmedProposal returns the current last-confirmed proposal. It is
// always present in the map; a missing entry is a fatal invariant
// violation, not a recoverable error.
func (c *ProposalCache) LastConfirmedProposal() *Proposal {
	return c.mustGet(c.lastConfirmedProposalHash)
}

func (c *ProposalCache) mustGet(hash Hash) *Proposal {
	p, ok := c.proposals[hash]
	if !ok {
		panic("consensus: last-confirmed proposal missing from cache — invariant violated")
	}
	return p
}

// ConfirmedProposalsFrom returns the contiguous ancestor chain of the
// last-confirmed proposal down to (and including) a proposal at fromHeight,
// used to answer resync requests.
func (c *ProposalCache) ConfirmedProposalsFrom(fromHeight uint64) []*Proposal {
	p := c.LastConfirmedProposal()
	proposals := []*Proposal{p}

	for p.Height() > fromHeight {
		if p.Height() == 0 {
			break
		}
		parent, ok := c.proposals[p.LastHash()]
		if !ok {
			return proposals
		}
		proposals = append(proposals, parent)
		p = parent
	}

	return proposals
}

// MaxProposal returns the proposal with the largest height in the cache,
// breaking ties by largest skip count — the starting point for walking back
// to find the next proposal to process.
func (c *ProposalCache) MaxProposal() (*Proposal, bool) {
	var best *Proposal
	for _, p := range c.proposals {
		if p.Height() != c.maxHeight {
			continue
		}
		if best == nil || p.Skips() > best.Skips() {
			best = p
		}
	}
	return best, best != nil
}

// NextPendingProposal walks backward from the highest-height known proposal
// along last_proposal_hash links until it reaches height confirmed+1+offset.
// It returns (nil, false) if the chain is broken (an ancestor is missing)
// or no such proposal exists.
func (c *ProposalCache) NextPendingProposal(offset uint64) (*Proposal, bool) {
	p, ok := c.MaxProposal()
	if !ok {
		return nil, false
	}

	target := c.Height() + 1 + offset
	for p.Height() > target {
		parent, ok := c.proposals[p.LastHash()]
		if !ok {
			return nil, false
		}
		p = parent
	}

	if p.Height() != target {
		return nil, false
	}
	return p, true
}

// Confirm advances the last-confirmed pointer to hash and purges proposals
// that are no longer reachable or are outside the retention window.
func (c *ProposalCache) Confirm(hash Hash) {
	c.lastConfirmedProposalHash = hash
	c.purge()
}

// isDescendant reports whether descendantHash can be reached by walking
// last_proposal_hash links backward from parentHash. If the chain can't be
// resolved (a missing intermediate), the proposal is considered not a
// descendant — the safe default for purge decisions.
func (c *ProposalCache) isDescendant(descendantHash, parentHash Hash) bool {
	p, ok := c.proposals[parentHash]
	if !ok {
		return false
	}
	for {
		if p.Hash() == descendantHash {
			return true
		}
		parent, ok := c.proposals[p.LastHash()]
		if !ok {
			return false
		}
		p = parent
	}
}

// purge implements the three rules of spec.md §4.3:
//  1. proposals above the confirmed height that aren't a descendant of the
//     newly confirmed proposal are dropped (orphan forks);
//  2. any proposal at the confirmed height other than the confirmed one is
//     dropped;
//  3. any proposal more than cacheSize below the confirmed height is
//     dropped.
func (c *ProposalCache) purge() {
	confirmedHeight := c.Height()
	confirmedHash := c.lastConfirmedProposalHash

	var toRemove []Hash
	for hash, p := range c.proposals {
		switch {
		case p.Height() > confirmedHeight:
			if !c.isDescendant(confirmedHash, hash) {
				toRemove = append(toRemove, hash)
			}
		case p.Height() == confirmedHeight:
			if hash != confirmedHash {
				toRemove = append(toRemove, hash)
			}
		default: // p.Height() < confirmedHeight
			if p.Height()+c.cacheSize < confirmedHeight {
				toRemove = append(toRemove, hash)
			}
		}
	}

	for _, hash := range toRemove {
		delete(c.proposals, hash)
		c.seenHashes.Add(hash, struct{}{})
	}
}
