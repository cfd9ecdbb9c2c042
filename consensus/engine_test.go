package consensus

import (
	"testing"
	"time"
)

func TestEngineSoloPeerProposesAndCommits(t *testing.T) {
	p1 := PeerID{1}
	cfg := DefaultConfig()
	cfg.MinProposalDuration = 0
	cfg.SkipTimeout = time.Hour
	cfg.OutOfSyncTimeout = time.Hour

	e := NewEngine(cfg, nil, Genesis([]PeerID{p1}), p1)
	done := make(chan struct{})
	go e.Run(done)
	defer e.Stop()

	m := ProposalManifest{
		LastProposalHash: GenesisHash,
		Height:           1,
		LeaderID:         p1,
		Peers:            []PeerID{p1},
	}
	e.ReceiveProposal(m)

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-e.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d: %#v", len(got), got)
		}
	}

	if _, ok := got[0].(EventAccept); !ok {
		t.Fatalf("event 0 = %#v, want EventAccept", got[0])
	}
	if _, ok := got[1].(EventCommit); !ok {
		t.Fatalf("event 1 = %#v, want EventCommit", got[1])
	}
	if _, ok := got[2].(EventPropose); !ok {
		t.Fatalf("event 2 = %#v, want EventPropose", got[2])
	}

	if h := e.Height(); h != 1 {
		t.Fatalf("Height() = %d, want 1", h)
	}
}

func TestEngineDuplicateProposalDetected(t *testing.T) {
	p1 := PeerID{1}
	cfg := DefaultConfig()
	cfg.SkipTimeout = time.Hour
	cfg.OutOfSyncTimeout = time.Hour

	e := NewEngine(cfg, nil, Genesis([]PeerID{p1}), p1)
	done := make(chan struct{})
	go e.Run(done)
	defer e.Stop()

	m := ProposalManifest{
		LastProposalHash: GenesisHash,
		Height:           1,
		LeaderID:         p1,
		Peers:            []PeerID{p1},
	}
	e.ReceiveProposal(m)

	// Drain the Accept/Commit/Propose sequence from the first submission.
	for i := 0; i < 3; i++ {
		select {
		case <-e.Events():
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out draining initial events")
		}
	}

	e.ReceiveProposal(m)

	select {
	case ev := <-e.Events():
		dup, ok := ev.(EventDuplicateProposal)
		if !ok || dup.ProposalHash != m.Hash() {
			t.Fatalf("expected EventDuplicateProposal{hash(M)}, got %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for DuplicateProposal event")
	}
}

func TestEngineStopClosesEventChannel(t *testing.T) {
	p1 := PeerID{1}
	e := NewEngine(DefaultConfig(), nil, Genesis([]PeerID{p1}), p1)
	done := make(chan struct{})
	go e.Run(done)

	e.Stop()

	select {
	case _, ok := <-e.Events():
		if ok {
			t.Fatalf("expected Events() to be closed with no pending events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Events() to close after Stop()")
	}

	// Stop and closing done must both be safe to call again / concurrently.
	e.Stop()
	close(done)
}
