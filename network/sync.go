package network

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tolelom/tolchain/consensus"
)

// GetProposalsRequest asks a peer for confirmed proposal manifests starting
// at FromHeight, used to catch a lagging node back up to the network's
// confirmed chain after consensus.EventOutOfSync / EventCatchingUp.
type GetProposalsRequest struct {
	FromHeight uint64 `json:"from_height"`
}

// ProposalsResponse carries a batch of confirmed proposal manifests in
// descending height order, from the responder's last-confirmed proposal
// down to the requested height.
type ProposalsResponse struct {
	Manifests []consensus.ProposalManifest `json:"manifests"`
}

// ConsensusSource is the subset of consensus.Engine the syncer needs: read
// the locally confirmed chain to answer a peer's catch-up request, and feed
// replayed manifests back in as ordinary inbound proposals.
type ConsensusSource interface {
	Height() uint64
	ConfirmedProposalsFrom(fromHeight uint64) []consensus.ProposalManifest
	ReceiveProposal(manifest consensus.ProposalManifest)
}

// Syncer answers and issues proposal catch-up requests over the P2P
// transport. Unlike the teacher's block-range syncer, it never applies
// anything to chain state directly: replayed manifests flow back into the
// consensus engine exactly like a freshly gossiped proposal, and the host's
// own EventCommit handling is what ultimately builds and commits blocks.
type Syncer struct {
	node   *Node
	engine ConsensusSource
	log    *zap.Logger
}

// NewSyncer creates a Syncer bound to engine and registers its message
// handlers on node. A nil logger is replaced with a no-op one.
func NewSyncer(node *Node, engine ConsensusSource, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Syncer{node: node, engine: engine, log: log.Named("sync")}
	node.Handle(MsgGetProposals, s.handleGetProposals)
	node.Handle(MsgProposals, s.handleProposals)
	return s
}

// RequestProposals asks peer for every confirmed proposal from fromHeight
// onward.
func (s *Syncer) RequestProposals(peer *Peer, fromHeight uint64) error {
	req, err := json.Marshal(GetProposalsRequest{FromHeight: fromHeight})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetProposals, Payload: req})
}

func (s *Syncer) handleGetProposals(peer *Peer, msg Message) {
	var req GetProposalsRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.log.Warn("bad get_proposals request", zap.Error(err))
		return
	}
	manifests := s.engine.ConfirmedProposalsFrom(req.FromHeight)
	data, err := json.Marshal(ProposalsResponse{Manifests: manifests})
	if err != nil {
		s.log.Error("marshal proposals response", zap.Error(err))
		return
	}
	if err := peer.Send(Message{Type: MsgProposals, Payload: data}); err != nil {
		s.log.Warn("send proposals", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (s *Syncer) handleProposals(_ *Peer, msg Message) {
	var resp ProposalsResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		s.log.Warn("bad proposals response", zap.Error(err))
		return
	}
	for _, m := range resp.Manifests {
		if m.Height <= s.engine.Height() {
			continue // already confirmed locally
		}
		s.engine.ReceiveProposal(m)
	}
}
