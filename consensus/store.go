package consensus

// ProposalStore is the authoritative decision point of the protocol: it
// validates incoming proposals against confirmed state, tallies accepts,
// and decides the next action (accept / propose / commit / out-of-sync /
// catching-up). It holds no timers; those belong to Engine, which drives
// this store's ProcessNext and Skip methods.
type ProposalStore struct {
	cache           *ProposalCache
	localPeerID     PeerID
	outOfSyncWindow uint64

	// Progress markers prevent ProcessNext from re-emitting the same
	// observation on every call when nothing has changed, satisfying the
	// "idempotent with respect to repeated calls" requirement.
	reportedOutOfSync  bool
	outOfSyncHeight    uint64
	reportedCatchingUp bool
	catchingUpHeight   uint64
	proposedAtHeight   bool
	proposeHeight      uint64
	pendingAcceptHash  Hash
	havePendingAccept  bool

	skips       uint64
	acceptsSent uint64
}

// NewProposalStore builds a store over an already-seeded cache (normally
// seeded with the genesis proposal via NewProposalCache).
func NewProposalStore(cache *ProposalCache, localPeerID PeerID, outOfSyncWindow uint64) *ProposalStore {
	return &ProposalStore{
		cache:           cache,
		localPeerID:     localPeerID,
		outOfSyncWindow: outOfSyncWindow,
	}
}

// Height returns the confirmed height.
func (s *ProposalStore) Height() uint64 {
	return s.cache.Height()
}

// Exists reports whether a proposal hash is known to the cache.
func (s *ProposalStore) Exists(hash Hash) bool {
	return s.cache.Contains(hash)
}

// ConfirmedProposalsFrom returns the confirmed ancestor chain down to (and
// including) fromHeight, to answer resync requests.
func (s *ProposalStore) ConfirmedProposalsFrom(fromHeight uint64) []*Proposal {
	return s.cache.ConfirmedProposalsFrom(fromHeight)
}

// AddPendingProposal implements spec §4.4.1. The caller (Engine) is
// responsible for checking Exists(hash) first and emitting
// EventDuplicateProposal itself; by the time this is called the hash is
// assumed not already cached, though it is checked defensively.
func (s *ProposalStore) AddPendingProposal(manifest ProposalManifest) Event {
	hash := manifest.Hash()
	if s.cache.Contains(hash) {
		return nil
	}
	if manifest.Height <= s.cache.Height() {
		return EventOutOfDate{
			LocalHeight:    s.cache.Height(),
			ProposalHeight: manifest.Height,
			ProposalHash:   hash,
			PeerID:         manifest.LeaderID,
		}
	}
	s.cache.Insert(NewProposal(manifest))
	return nil
}

// AddAccept implements spec §4.4.2.
func (s *ProposalStore) AddAccept(accept ProposalAccept, from PeerID) Event {
	p, ok := s.cache.Get(accept.ProposalHash)
	if !ok {
		return nil // unknown proposal: silent drop
	}
	if !accept.LeaderID.Equal(s.localPeerID) {
		return nil // misrouted: silent drop
	}
	if accept.Height < s.cache.Height() {
		return nil // historical: silent drop
	}

	crossed := p.AddAccept(accept.Skips, from)
	if !crossed {
		return nil
	}

	confirmed := s.cache.LastConfirmedProposal()
	if p.Height() == confirmed.Height()+1 && p.LastHash() == confirmed.Hash() {
		s.cache.Confirm(p.Hash())
		s.resetProgressMarkers()
		return EventCommit{Manifest: p.Manifest}
	}
	return nil
}

// ProcessNext implements spec §4.4.3. It is meant to be called repeatedly
// by the engine until it returns nil.
func (s *ProposalStore) ProcessNext() Event {
	confirmed := s.cache.LastConfirmedProposal()
	confirmedHeight := confirmed.Height()
	maxHeight := s.cache.MaxHeight()

	if maxHeight > confirmedHeight+s.outOfSyncWindow {
		if s.reportedOutOfSync && s.outOfSyncHeight == confirmedHeight {
			return nil
		}
		s.reportedOutOfSync = true
		s.outOfSyncHeight = confirmedHeight
		sent := s.acceptsSent
		s.acceptsSent = 0
		return EventOutOfSync{LocalHeight: confirmedHeight, MaxSeenHeight: maxHeight, AcceptsSent: sent}
	}
	s.reportedOutOfSync = false

	p, ok := s.cache.NextPendingProposal(0)
	if !ok {
		if s.cache.HasAboveHeight(confirmedHeight + 1) {
			missing := confirmedHeight + 1
			if s.reportedCatchingUp && s.catchingUpHeight == missing {
				return nil
			}
			s.reportedCatchingUp = true
			s.catchingUpHeight = missing
			return EventCatchingUp{MissingHeight: missing}
		}
		s.reportedCatchingUp = false

		if confirmed.GetNextLeader(0).Equal(s.localPeerID) {
			if s.proposedAtHeight && s.proposeHeight == confirmedHeight {
				return nil
			}
			s.proposedAtHeight = true
			s.proposeHeight = confirmedHeight
			return EventPropose{LastProposalHash: confirmed.Hash(), Height: confirmedHeight + 1, Skips: 0}
		}
		return nil
	}
	s.reportedCatchingUp = false

	if p.LastHash() != confirmed.Hash() {
		// A proposal sits at confirmed+1 on a branch that does not extend
		// the confirmed chain (a sibling fork not yet purged). Nothing to
		// do until purge or a resync resolves it.
		return nil
	}

	if s.havePendingAccept && s.pendingAcceptHash == p.Hash() {
		if p.HasMajority(0) {
			s.cache.Confirm(p.Hash())
			s.resetProgressMarkers()
			return EventCommit{Manifest: p.Manifest}
		}
		return nil
	}

	nextLeader := p.GetNextLeader(0)
	// Record our own vote directly so the designated next-leader (if that
	// happens to be us) does not need a network round trip to its own
	// accept.
	p.AddAccept(0, s.localPeerID)
	s.havePendingAccept = true
	s.pendingAcceptHash = p.Hash()
	s.proposedAtHeight = false
	s.acceptsSent++
	return EventAccept{ProposalHash: p.Hash(), LeaderID: nextLeader, Height: p.Height(), Skips: 0}
}

// Skip implements spec §4.4.4, called by the engine when the skip timeout
// elapses.
func (s *ProposalStore) Skip() Event {
	current := s.currentForSkip()
	s.skips++
	nextLeader := current.GetNextLeader(s.skips)
	s.acceptsSent++
	return EventAccept{
		ProposalHash: current.Hash(),
		LeaderID:     nextLeader,
		Height:       current.Height(),
		Skips:        s.skips,
	}
}

func (s *ProposalStore) currentForSkip() *Proposal {
	if p, ok := s.cache.NextPendingProposal(0); ok {
		return p
	}
	return s.cache.LastConfirmedProposal()
}

func (s *ProposalStore) resetProgressMarkers() {
	s.havePendingAccept = false
	s.proposedAtHeight = false
	s.reportedCatchingUp = false
	s.reportedOutOfSync = false
	s.skips = 0
}
