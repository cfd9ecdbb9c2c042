// Package nodehost wires a consensus.Engine's event stream to the parts of
// a node that actually do work: the mempool, the VM executor, the
// blockchain's durable store, and the P2P transport. The engine itself is a
// pure state machine with no side effects; this is the glue the teacher's
// PoA driver used to own internally, now expressed as explicit handling of
// each outbound event.
package nodehost

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/vm"
)

// Driver consumes an Engine's event stream and applies each event's effect
// against the rest of the node.
type Driver struct {
	cfg     *config.Config
	log     *zap.Logger
	engine  *consensus.Engine
	node    *network.Node
	syncer  *network.Syncer
	bc      *core.Blockchain
	state   core.State
	exec    *vm.Executor
	mempool *core.Mempool
	emitter *events.Emitter
	privKey crypto.PrivateKey
	local   consensus.PeerID
	peers   []consensus.PeerID
}

// New builds a Driver over engine and registers its proposal/accept message
// handlers on node. cfg.Validators supplies the fixed consensus peer set
// (their ed25519 pubkey hex doubles as both the validator identity and, by
// convention, the network node ID used to route unicast accepts).
func New(cfg *config.Config, log *zap.Logger, engine *consensus.Engine, node *network.Node, syncer *network.Syncer, bc *core.Blockchain, state core.State, exec *vm.Executor, mempool *core.Mempool, emitter *events.Emitter, privKey crypto.PrivateKey) (*Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	peers, err := peerIDsFromHex(cfg.Validators)
	if err != nil {
		return nil, fmt.Errorf("validators: %w", err)
	}
	d := &Driver{
		cfg:     cfg,
		log:     log.Named("driver"),
		engine:  engine,
		node:    node,
		syncer:  syncer,
		bc:      bc,
		state:   state,
		exec:    exec,
		mempool: mempool,
		emitter: emitter,
		privKey: privKey,
		local:   engine.LocalPeerID(),
		peers:   peers,
	}
	node.Handle(network.MsgProposal, d.handleProposalMsg)
	node.Handle(network.MsgAccept, d.handleAcceptMsg)
	return d, nil
}

func peerIDsFromHex(hexes []string) ([]consensus.PeerID, error) {
	peers := make([]consensus.PeerID, len(hexes))
	for i, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		peers[i] = consensus.PeerID(b)
	}
	return peers, nil
}

// Run drains the engine's event stream, applying each event's effect, until
// the stream closes (the engine was stopped). Call it in its own goroutine
// alongside engine.Run.
func (d *Driver) Run() {
	for ev := range d.engine.Events() {
		d.handle(ev)
	}
}

func (d *Driver) handle(ev consensus.Event) {
	switch v := ev.(type) {
	case consensus.EventPropose:
		d.onPropose(v)
	case consensus.EventAccept:
		d.onAccept(v)
	case consensus.EventCommit:
		d.onCommit(v)
	case consensus.EventOutOfSync:
		d.onOutOfSync(v)
	case consensus.EventCatchingUp:
		d.onCatchingUp(v)
	}
	// EventOutOfDate and EventDuplicateProposal are observable only.
}

// onPropose builds a manifest from the current mempool for this slot, feeds
// it back into the engine as if it had arrived over the wire, and gossips
// it to peers.
func (d *Driver) onPropose(ev consensus.EventPropose) {
	txs := d.mempool.Pending(d.maxBlockTxs())
	txns := make([]consensus.Txn, 0, len(txs))
	for _, tx := range txs {
		raw, err := json.Marshal(tx)
		if err != nil {
			d.log.Error("marshal tx for proposal", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		txns = append(txns, consensus.Txn(raw))
	}
	manifest := consensus.ProposalManifest{
		LastProposalHash: ev.LastProposalHash,
		Skips:            ev.Skips,
		Height:           ev.Height,
		LeaderID:         d.local,
		Txns:             txns,
		Peers:            d.peers,
	}
	d.engine.ReceiveProposal(manifest)
	d.node.BroadcastProposal(manifest)
}

func (d *Driver) maxBlockTxs() int {
	if d.cfg.MaxBlockTxs <= 0 {
		return 500
	}
	return d.cfg.MaxBlockTxs
}

// onAccept delivers an accept either to itself (if it is the designated
// leader) or over the wire to the leader's peer connection.
func (d *Driver) onAccept(ev consensus.EventAccept) {
	accept := consensus.ProposalAccept{
		ProposalHash: ev.ProposalHash,
		LeaderID:     ev.LeaderID,
		Height:       ev.Height,
		Skips:        ev.Skips,
	}
	if ev.LeaderID.Equal(d.local) {
		d.engine.ReceiveAccept(accept, d.local)
		return
	}
	if err := d.node.SendAccept(hex.EncodeToString(ev.LeaderID), accept); err != nil {
		d.log.Warn("send accept", zap.Uint64("height", ev.Height), zap.Error(err))
	}
}

// onCommit materializes the confirmed proposal's transactions into a block,
// executes and persists it, and clears those transactions from the mempool.
func (d *Driver) onCommit(ev consensus.EventCommit) {
	txs := make([]*core.Transaction, 0, len(ev.Manifest.Txns))
	ids := make([]string, 0, len(ev.Manifest.Txns))
	for _, raw := range ev.Manifest.Txns {
		var tx core.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			d.log.Error("unmarshal committed tx", zap.Uint64("height", ev.Manifest.Height), zap.Error(err))
			continue
		}
		txs = append(txs, &tx)
		ids = append(ids, tx.ID)
	}

	prevHash := ""
	if tip := d.bc.Tip(); tip != nil {
		prevHash = tip.Hash
	}
	proposer := hex.EncodeToString(ev.Manifest.LeaderID)
	block := core.NewBlockFromProposal(int64(ev.Manifest.Height), prevHash, ev.Manifest.Hash().String(), proposer, txs)

	if err := d.exec.ExecuteBlock(block); err != nil {
		d.log.Error("execute block", zap.Uint64("height", ev.Manifest.Height), zap.Error(err))
		return
	}
	block.Header.StateRoot = d.state.ComputeRoot()
	block.Sign(d.privKey)

	if err := d.bc.AddBlock(block); err != nil {
		d.log.Error("add block", zap.Uint64("height", ev.Manifest.Height), zap.Error(err))
		return
	}
	if err := d.state.Commit(); err != nil {
		d.log.Error("commit state", zap.Uint64("height", ev.Manifest.Height), zap.Error(err))
		return
	}
	d.mempool.Remove(ids)

	if d.emitter != nil {
		d.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"hash": block.Hash, "tx_count": len(txs), "proposer": proposer},
		})
	}
}

func (d *Driver) onOutOfSync(ev consensus.EventOutOfSync) {
	peer := d.anyPeer()
	if peer == nil {
		d.log.Warn("out of sync with no connected peer to resync from", zap.Uint64("local_height", ev.LocalHeight))
		return
	}
	if err := d.syncer.RequestProposals(peer, ev.LocalHeight+1); err != nil {
		d.log.Warn("request proposals", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (d *Driver) onCatchingUp(ev consensus.EventCatchingUp) {
	peer := d.anyPeer()
	if peer == nil {
		return
	}
	if err := d.syncer.RequestProposals(peer, ev.MissingHeight); err != nil {
		d.log.Warn("request proposals", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (d *Driver) anyPeer() *network.Peer {
	peers := d.node.Peers()
	if len(peers) == 0 {
		return nil
	}
	return peers[0]
}

func (d *Driver) handleProposalMsg(_ *network.Peer, msg network.Message) {
	var manifest consensus.ProposalManifest
	if err := json.Unmarshal(msg.Payload, &manifest); err != nil {
		d.log.Warn("bad proposal message", zap.Error(err))
		return
	}
	d.engine.ReceiveProposal(manifest)
}

func (d *Driver) handleAcceptMsg(peer *network.Peer, msg network.Message) {
	var accept consensus.ProposalAccept
	if err := json.Unmarshal(msg.Payload, &accept); err != nil {
		d.log.Warn("bad accept message", zap.Error(err))
		return
	}
	from, err := hex.DecodeString(peer.ID)
	if err != nil {
		d.log.Warn("accept from peer with non-hex id", zap.String("peer", peer.ID))
		return
	}
	d.engine.ReceiveAccept(accept, consensus.PeerID(from))
}
