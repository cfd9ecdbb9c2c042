package network

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tolelom/tolchain/core"
)

// gossipCacheSize bounds the recently-seen message de-duplication set; a
// node with more than this many distinct messages in flight at once would
// start reprocessing duplicates, which is merely wasted work, not incorrect.
const gossipCacheSize = 4096

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// Node listens for incoming peers and manages outgoing connections.
type Node struct {
	nodeID     string
	listenAddr string
	mempool    *core.Mempool
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	log        *zap.Logger

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	seen *lru.Cache[[32]byte, struct{}]

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr.
// If tlsCfg is non-nil the listener and outgoing connections use TLS. A nil
// logger is replaced with a no-op one.
func NewNode(nodeID, listenAddr string, mempool *core.Mempool, tlsCfg *tls.Config, log *zap.Logger) *Node {
	seen, err := lru.New[[32]byte, struct{}](gossipCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// compile-time constant here.
		panic(err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		mempool:    mempool,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		log:        log.Named("network"),
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		seen:       seen,
		stopCh:     make(chan struct{}),
	}
	// Register default handlers
	n.Handle(MsgHello, n.handleHello)
	n.Handle(MsgTx, n.handleTx)
	return n
}

// seenBefore reports whether an identical (type, payload) message has
// already been dispatched recently, recording it if not. Used to suppress
// redundant reprocessing in a gossip topology where the same proposal or
// transaction can arrive from several peers in quick succession.
func (n *Node) seenBefore(msg Message) bool {
	key := sha256.Sum256(append([]byte(msg.Type), msg.Payload...))
	if _, ok := n.seen.Get(key); ok {
		return true
	}
	n.seen.Add(key, struct{}{})
	return false
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	// Send hello
	hello, err := json.Marshal(map[string]string{"node_id": n.nodeID})
	if err != nil {
		n.log.Error("marshal hello", zap.Error(err))
		return nil
	}
	if err := peer.Send(Message{Type: MsgHello, Payload: hello}); err != nil {
		n.log.Warn("send hello", zap.String("peer", id), zap.Error(err))
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Peers returns a snapshot of all currently connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Broadcast sends msg to all connected peers.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			n.log.Warn("broadcast", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// BroadcastTx serialises tx and sends it to all peers.
func (n *Node) BroadcastTx(tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		n.log.Error("marshal tx", zap.Error(err))
		return
	}
	n.Broadcast(Message{Type: MsgTx, Payload: data})
}

// BroadcastBlock serialises block and sends it to all peers.
func (n *Node) BroadcastBlock(block *core.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		n.log.Error("marshal block", zap.Error(err))
		return
	}
	n.Broadcast(Message{Type: MsgBlock, Payload: data})
}

// BroadcastProposal serialises a consensus proposal manifest and gossips it
// to all peers. It also marks the message seen locally so the node doesn't
// immediately reprocess its own broadcast if it loops back through a peer.
func (n *Node) BroadcastProposal(manifest any) {
	data, err := json.Marshal(manifest)
	if err != nil {
		n.log.Error("marshal proposal", zap.Error(err))
		return
	}
	msg := Message{Type: MsgProposal, Payload: data}
	n.seenBefore(msg)
	n.Broadcast(msg)
}

// SendAccept sends a consensus accept vote directly to its target leader
// peer (accepts are unicast to the next leader, never gossiped broadly).
func (n *Node) SendAccept(leaderID string, accept any) error {
	data, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("marshal accept: %w", err)
	}
	peer := n.Peer(leaderID)
	if peer == nil {
		return fmt.Errorf("no connected peer for leader %s", leaderID)
	}
	return peer.Send(Message{Type: MsgAccept, Payload: data})
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.Warn("accept error", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			n.log.Warn("max peers reached, rejecting connection",
				zap.Int("max_peers", n.maxPeers), zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("readLoop panic", zap.String("peer", peer.ID), zap.Any("recover", r))
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		if dedupeGossipType(msg.Type) && n.seenBefore(msg) {
			continue
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}

// dedupeGossipType reports whether messages of this type are rebroadcast
// peer-to-peer and therefore worth de-duplicating; request/response message
// types (get_proposals, proposals, ...) and unicast accepts are never
// gossiped and always processed.
func dedupeGossipType(t MsgType) bool {
	switch t {
	case MsgTx, MsgBlock, MsgProposal:
		return true
	default:
		return false
	}
}

// handleHello re-keys an inbound peer from its provisional ID (the remote
// address it connected from) to the node ID it announces, so later unicasts
// addressed by node ID (consensus accepts, in particular) can find it.
// Outbound peers are already keyed by the ID the dialer supplied and are
// left alone.
func (n *Node) handleHello(peer *Peer, msg Message) {
	var hello struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		n.log.Warn("bad hello", zap.Error(err))
		return
	}
	if hello.NodeID == "" || hello.NodeID == peer.ID {
		return
	}
	n.mu.Lock()
	delete(n.peers, peer.ID)
	peer.ID = hello.NodeID
	n.peers[peer.ID] = peer
	n.mu.Unlock()
}

func (n *Node) handleTx(_ *Peer, msg Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		n.log.Warn("unmarshal tx", zap.Error(err))
		return
	}
	if err := n.mempool.Add(&tx); err != nil {
		n.log.Warn("mempool add", zap.Error(err))
	}
}
