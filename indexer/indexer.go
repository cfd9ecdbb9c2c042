// Package indexer maintains a secondary index over committed blocks so RPC
// clients can query a validator's recent proposer activity without scanning
// the full block store.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/storage"
)

const prefixProposerBlocks = "idx:proposer:block:"

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventBlockCommit, idx.onBlockCommit)
	return idx
}

// GetBlocksByProposer returns the heights of every block proposed by the
// given validator (pubkey hex), most recent last.
func (idx *Indexer) GetBlocksByProposer(proposer string) ([]int64, error) {
	return idx.getList(prefixProposerBlocks + proposer)
}

// ---- event handlers ----

func (idx *Indexer) onBlockCommit(ev events.Event) {
	proposer, _ := ev.Data["proposer"].(string)
	if proposer == "" {
		return
	}
	if err := idx.appendHeight(prefixProposerBlocks+proposer, ev.BlockHeight); err != nil {
		log.Printf("[indexer] proposer index write failed (proposer=%s height=%d): %v", proposer, ev.BlockHeight, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]int64, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var heights []int64
	if err := json.Unmarshal(data, &heights); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return heights, nil
}

func (idx *Indexer) appendHeight(key string, height int64) error {
	heights, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, h := range heights {
		if h == height {
			return nil // already present
		}
	}
	heights = append(heights, height)
	data, err := json.Marshal(heights)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
