package consensus

// Event is the closed set of outbound notifications the engine emits to its
// host. A type switch on the concrete type is the idiomatic way to consume
// them; see the Consensus ↔ Node wiring in SPEC_FULL.md for how cmd/node
// drives one.
type Event interface {
	eventMarker()
}

// EventAccept asks the host to send an accept to leader_id over the
// transport.
type EventAccept struct {
	ProposalHash Hash
	LeaderID     PeerID
	Height       uint64
	Skips        uint64
}

func (EventAccept) eventMarker() {}

// EventPropose asks the host to build a manifest for this slot (selecting
// txns and peers), feed it back via Engine.ReceiveProposal, and broadcast
// it.
type EventPropose struct {
	LastProposalHash Hash
	Height           uint64
	Skips            uint64
}

func (EventPropose) eventMarker() {}

// EventCommit tells the host to apply the manifest's transactions to the
// durable store, in order.
type EventCommit struct {
	Manifest ProposalManifest
}

func (EventCommit) eventMarker() {}

// EventOutOfSync tells the host the local peer has fallen too far behind to
// catch up from in-cache proposals alone; it should initiate a snapshot or
// bulk resync.
type EventOutOfSync struct {
	LocalHeight   uint64
	MaxSeenHeight uint64
	AcceptsSent   uint64
}

func (EventOutOfSync) eventMarker() {}

// EventOutOfDate is observable only: the peer that sent the referenced
// proposal is behind us.
type EventOutOfDate struct {
	LocalHeight    uint64
	ProposalHeight uint64
	ProposalHash   Hash
	PeerID         PeerID
}

func (EventOutOfDate) eventMarker() {}

// EventCatchingUp tells the host an intermediate ancestor is missing; it
// should request proposals starting at MissingHeight.
type EventCatchingUp struct {
	MissingHeight uint64
}

func (EventCatchingUp) eventMarker() {}

// EventDuplicateProposal is observable only: the proposal was already seen.
type EventDuplicateProposal struct {
	ProposalHash Hash
}

func (EventDuplicateProposal) eventMarker() {}
