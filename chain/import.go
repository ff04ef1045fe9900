package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/logging"
)

// BatchStore can store a run of consecutive blocks at once.
type BatchStore interface {
	LastHeight() (height uint64, ok bool, err error)
	// PutBlocks stores blocks at first, first+1, ... atomically.
	PutBlocks(first uint64, blocks [][]byte) error
}

// Importer fills an empty store with blocks whose times are already known,
// such as the blocks of a ledger kept in another format. Hashes and links
// are computed the same way AddBlock does. Nothing is written before
// Commit, which stores all the blocks or none.
type Importer struct {
	store   BatchStore
	last    *Block
	pending [][]byte
	// number of blocks already committed
	committed uint64
}

// NewImporter fails if the store already holds blocks.
func NewImporter(store BatchStore) (*Importer, error) {
	height, ok, err := store.LastHeight()
	if err != nil {
		return nil, storeError("reading last height", err)
	}
	if ok {
		return nil, fmt.Errorf("cannot import into a chain of height %d", height)
	}
	return &Importer{store: store}, nil
}

// Append seals the next block. The first one must carry the genesis body.
func (i *Importer) Append(ctx context.Context, body Body, time string) (*Block, error) {
	if err := body.check(); err != nil {
		return nil, err
	}
	if time == "" {
		return nil, fmt.Errorf("block %d has no time", i.Height()+1)
	}
	b, data, err := seal(i.last, body, time)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("sealed imported block", zap.Uint64("height", b.Height), zap.String("hash", b.Hash))
	i.last = b
	i.pending = append(i.pending, data)
	return b, nil
}

// Commit stores every appended block in one write.
func (i *Importer) Commit(ctx context.Context) error {
	if len(i.pending) == 0 {
		return nil
	}
	if err := i.store.PutBlocks(i.committed, i.pending); err != nil {
		return storeError(fmt.Sprintf("storing %d imported blocks", len(i.pending)), err)
	}
	logging.FromContext(ctx).Info("committed imported blocks", zap.Int("count", len(i.pending)))
	i.committed += uint64(len(i.pending))
	i.pending = nil
	return nil
}

// Height returns the height of the last appended block, -1 if none.
func (i *Importer) Height() int64 {
	if i.last == nil {
		return -1
	}
	return int64(i.last.Height)
}
