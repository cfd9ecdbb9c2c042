package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds the four tunables spec.md §6.4 recognizes, plus the
// out-of-sync window expressed in proposal-heights (not separately listed
// in §6.4, so this repository ties it to MaxProposalHistory: a peer more
// than one full cache window behind has nothing left in cache to catch up
// from anyway).
type Config struct {
	// MinProposalDuration is the lower bound between successive local
	// Propose emissions.
	MinProposalDuration time.Duration
	// MaxProposalHistory bounds the proposal cache window and, by the
	// reasoning above, the out-of-sync threshold.
	MaxProposalHistory uint64
	// SkipTimeout is how long the engine waits for progress before
	// invoking store.Skip().
	SkipTimeout time.Duration
	// OutOfSyncTimeout is the backoff between repeated OutOfSync emissions.
	OutOfSyncTimeout time.Duration
}

// DefaultConfig returns the defaults named in spec.md §6.4.
func DefaultConfig() Config {
	return Config{
		MinProposalDuration: 1 * time.Second,
		MaxProposalHistory:  1024,
		SkipTimeout:         5 * time.Second,
		OutOfSyncTimeout:    60 * time.Second,
	}
}

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tolchain_consensus_events_total",
		Help: "Consensus events emitted by the engine, by kind.",
	}, []string{"kind"})

	confirmedHeightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tolchain_consensus_confirmed_height",
		Help: "Current confirmed proposal height.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, confirmedHeightGauge)
}

// Engine wraps a ProposalStore in an event-driven loop: it owns the skip
// timeout, the out-of-sync backoff, and min-proposal rate limiting, and
// serializes emitted events onto an outbound channel. This is the Go
// equivalent of an async event stream: one goroutine owns all store
// mutations, so no internal mutex is needed for the store itself.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	store *ProposalStore
	local PeerID

	events chan Event
	in     chan inboundMsg
	done   chan struct{}

	closeOnce sync.Once
}

type inboundKind int

const (
	inboundProposal inboundKind = iota
	inboundAccept
)

type inboundMsg struct {
	kind     inboundKind
	manifest ProposalManifest
	accept   ProposalAccept
	from     PeerID
}

// Genesis builds the seed proposal used to start a fresh instance: height 0,
// confirmed, peers fixed at the given set. Its hash is the well-known
// GenesisHash rather than the digest of its manifest, so height-1 proposals
// name GenesisHash as their parent; the peer order is computed against it.
func Genesis(peers []PeerID) *Proposal {
	p := NewProposal(GenesisManifest(peers))
	p.hash = GenesisHash
	sort.Slice(p.peersByDistance, func(i, j int) bool {
		return distance(p.peersByDistance[i], GenesisHash).Cmp(distance(p.peersByDistance[j], GenesisHash)) < 0
	})
	return p
}

// NewEngine builds an Engine over a cache seeded at genesis (or a prior
// confirmed proposal loaded from a durable checkpoint).
func NewEngine(cfg Config, log *zap.Logger, seed *Proposal, localPeerID PeerID) *Engine {
	cache := NewProposalCache(seed, cfg.MaxProposalHistory)
	store := NewProposalStore(cache, localPeerID, cfg.MaxProposalHistory)

	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{
		cfg:    cfg,
		log:    log.Named("consensus"),
		store:  store,
		local:  localPeerID,
		events: make(chan Event, 64),
		in:     make(chan inboundMsg, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the outbound event stream. The caller must keep draining
// it; the engine's internal channel is bounded.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Height returns the confirmed height.
func (e *Engine) Height() uint64 {
	return e.store.Height()
}

// LocalPeerID returns the identity this engine was constructed with.
func (e *Engine) LocalPeerID() PeerID {
	return e.local
}

// Exists reports whether a proposal hash is known.
func (e *Engine) Exists(hash Hash) bool {
	return e.store.Exists(hash)
}

// ConfirmedProposalsFrom returns the confirmed ancestor chain down to
// fromHeight, used to answer resync requests.
func (e *Engine) ConfirmedProposalsFrom(fromHeight uint64) []ProposalManifest {
	proposals := e.store.ConfirmedProposalsFrom(fromHeight)
	manifests := make([]ProposalManifest, len(proposals))
	for i, p := range proposals {
		manifests[i] = p.Manifest
	}
	return manifests
}

// ReceiveProposal feeds an inbound manifest to the engine's loop.
func (e *Engine) ReceiveProposal(manifest ProposalManifest) {
	select {
	case e.in <- inboundMsg{kind: inboundProposal, manifest: manifest}:
	case <-e.done:
	}
}

// ReceiveAccept feeds an inbound accept to the engine's loop.
func (e *Engine) ReceiveAccept(accept ProposalAccept, from PeerID) {
	select {
	case e.in <- inboundMsg{kind: inboundAccept, accept: accept, from: from}:
	case <-e.done:
	}
}

// Run starts the engine's background worker. It blocks until Stop is
// called or the provided done channel is closed, and closes the outbound
// event stream before returning. Call it in its own goroutine.
func (e *Engine) Run(done <-chan struct{}) {
	defer close(e.events)

	skipTimer := time.NewTimer(e.cfg.SkipTimeout)
	defer skipTimer.Stop()
	var outOfSyncTimer *time.Timer
	var outOfSyncC <-chan time.Time
	var proposeThrottleTimer *time.Timer
	var proposeThrottleC <-chan time.Time
	var throttledPropose *EventPropose

	var lastProposeTime time.Time

	resetSkipTimer := func() {
		if !skipTimer.Stop() {
			select {
			case <-skipTimer.C:
			default:
			}
		}
		skipTimer.Reset(e.cfg.SkipTimeout)
	}

	drain := func() {
		for {
			ev := e.store.ProcessNext()
			if ev == nil {
				return
			}

			if pe, ok := ev.(EventPropose); ok {
				if wait := e.cfg.MinProposalDuration - time.Since(lastProposeTime); wait > 0 && !lastProposeTime.IsZero() {
					proposeThrottleTimer = time.NewTimer(wait)
					proposeThrottleC = proposeThrottleTimer.C
					throttledPropose = &pe
					return
				}
				lastProposeTime = time.Now()
			}

			e.deliver(ev)

			switch ev.(type) {
			case EventAccept:
				// Not reset on EventPropose itself: the driver immediately
				// feeds our own proposal back through ReceiveProposal, which
				// produces the EventAccept handled here a moment later. A
				// proposal that somehow never reaches that self-accept still
				// times out and skips, rather than stalling silently.
				resetSkipTimer()
			case EventOutOfSync:
				outOfSyncTimer = time.NewTimer(e.cfg.OutOfSyncTimeout)
				outOfSyncC = outOfSyncTimer.C
				return
			}
		}
	}

	for {
		select {
		case <-done:
			e.closeOnce.Do(func() { close(e.done) })
			return
		case <-e.done:
			return

		case msg := <-e.in:
			switch msg.kind {
			case inboundProposal:
				hash := msg.manifest.Hash()
				if e.store.Exists(hash) {
					e.deliver(EventDuplicateProposal{ProposalHash: hash})
					continue
				}
				if ev := e.store.AddPendingProposal(msg.manifest); ev != nil {
					e.deliver(ev)
				}
			case inboundAccept:
				if ev := e.store.AddAccept(msg.accept, msg.from); ev != nil {
					e.deliver(ev)
					resetSkipTimer()
				}
			}
			drain()

		case <-skipTimer.C:
			ev := e.store.Skip()
			e.deliver(ev)
			skipTimer.Reset(e.cfg.SkipTimeout)

		case <-outOfSyncC:
			outOfSyncC = nil
			// The backoff has elapsed: let the store report OutOfSync again
			// if the node is still behind at the same height.
			e.store.reportedOutOfSync = false
			drain()

		case <-proposeThrottleC:
			proposeThrottleC = nil
			pe := *throttledPropose
			throttledPropose = nil
			lastProposeTime = time.Now()
			e.deliver(pe)
			drain()
		}
	}
}

// deliver pushes ev onto the outbound channel, updates metrics, and logs
// at the appropriate level for the event's severity.
func (e *Engine) deliver(ev Event) {
	kind := eventKind(ev)
	eventsTotal.WithLabelValues(kind).Inc()
	confirmedHeightGauge.Set(float64(e.store.Height()))

	switch v := ev.(type) {
	case EventCommit:
		e.log.Info("commit", zap.Uint64("height", v.Manifest.Height), zap.String("hash", v.Manifest.Hash().String()))
	case EventOutOfSync:
		e.log.Warn("out of sync", zap.Uint64("local_height", v.LocalHeight), zap.Uint64("max_seen_height", v.MaxSeenHeight))
	case EventCatchingUp:
		e.log.Warn("catching up", zap.Uint64("missing_height", v.MissingHeight))
	case EventOutOfDate:
		e.log.Debug("peer out of date", zap.String("peer", v.PeerID.String()), zap.Uint64("proposal_height", v.ProposalHeight))
	case EventDuplicateProposal:
		e.log.Debug("duplicate proposal", zap.String("hash", v.ProposalHash.String()))
	default:
		e.log.Debug(kind)
	}

	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func eventKind(ev Event) string {
	switch ev.(type) {
	case EventAccept:
		return "accept"
	case EventPropose:
		return "propose"
	case EventCommit:
		return "commit"
	case EventOutOfSync:
		return "out_of_sync"
	case EventOutOfDate:
		return "out_of_date"
	case EventCatchingUp:
		return "catching_up"
	case EventDuplicateProposal:
		return "duplicate_proposal"
	default:
		return "unknown"
	}
}

// Stop signals the background worker started by Run to exit. It is safe to
// call from any goroutine and more than once.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}
