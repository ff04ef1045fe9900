package chain

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/store"
	"github.com/spacemeshos/starledger/types"
)

//go:generate mockgen -package mocks -destination mocks/store.go . Store

// Store is the ordered store the chain persists its blocks in.
// Heights are keys; Blocks iterates in ascending height order.
type Store interface {
	LastHeight() (height uint64, ok bool, err error)
	GetBlock(height uint64) ([]byte, error)
	PutBlock(height uint64, data []byte) error
	Blocks() store.Iterator
}

// Chain is a single-writer, append-only hash chain of blocks.
type Chain struct {
	store Store
	clock clock.Clock

	// serializes AddBlock: reading the height and writing the next one
	// must not interleave.
	appendMutex sync.Mutex
}

type newChainOptionFunc func(*newChainOptions)

type newChainOptions struct {
	clock clock.Clock
}

// WithClock sets the clock used to timestamp blocks.
func WithClock(c clock.Clock) newChainOptionFunc {
	return func(opts *newChainOptions) {
		opts.clock = c
	}
}

// New opens the chain persisted in store. An empty store is initialized
// with the genesis block.
func New(ctx context.Context, store Store, opts ...newChainOptionFunc) (*Chain, error) {
	options := newChainOptions{
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Chain{
		store: store,
		clock: options.clock,
	}
	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) bootstrap(ctx context.Context) error {
	height, err := c.Height(ctx)
	if err != nil {
		return fmt.Errorf("reading chain height: %w", err)
	}
	if height != -1 {
		logging.FromContext(ctx).Info("opened chain", zap.Int64("height", height))
		heightMetric.Set(float64(height))
		return nil
	}
	genesis, err := c.AddBlock(ctx, GenesisBody())
	if err != nil {
		return fmt.Errorf("creating genesis block: %w", err)
	}
	logging.FromContext(ctx).Info("created genesis block", zap.String("hash", genesis.Hash))
	return nil
}

// Height returns the height of the last block or -1 if there is none.
func (c *Chain) Height(ctx context.Context) (int64, error) {
	height, ok, err := c.store.LastHeight()
	if err != nil {
		return 0, storeError("reading last height", err)
	}
	if !ok {
		return -1, nil
	}
	return int64(height), nil
}

// Block returns the block at the given height.
func (c *Chain) Block(ctx context.Context, height uint64) (*Block, error) {
	b, err := c.block(height)
	if err != nil {
		return nil, err
	}
	c.decorate(ctx, b)
	return b, nil
}

func (c *Chain) block(height uint64) (*Block, error) {
	data, err := c.store.GetBlock(height)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: block %d", types.ErrNotFound, height)
	case err != nil:
		return nil, storeError(fmt.Sprintf("reading block %d", height), err)
	}
	b, err := decodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %w", types.ErrIntegrity, height, err)
	}
	return b, nil
}

// BlockByHash scans the chain in ascending height order and returns the
// first block whose hash matches. Hashes are compared in constant time.
func (c *Chain) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	var found *Block
	err := c.scan(ctx, func(b *Block) bool {
		if subtle.ConstantTimeCompare([]byte(b.Hash), []byte(hash)) == 1 {
			found = b
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: block with hash %s", types.ErrNotFound, hash)
	}
	c.decorate(ctx, found)
	return found, nil
}

// BlocksByAddress returns all the blocks registered by address in
// ascending height order. It returns an empty slice if there are none.
func (c *Chain) BlocksByAddress(ctx context.Context, address string) ([]*Block, error) {
	blocks := []*Block{}
	err := c.scan(ctx, func(b *Block) bool {
		if b.Height > 0 && !b.Body.IsGenesis() && b.Body.Address == address {
			c.decorate(ctx, b)
			blocks = append(blocks, b)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// scan calls fn for every block until fn returns false. A block that
// cannot be decoded ends the scan with ErrIntegrity.
func (c *Chain) scan(ctx context.Context, fn func(*Block) bool) error {
	iter := c.store.Blocks()
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := decodeBlock(iter.Value())
		if err != nil {
			return fmt.Errorf("%w: block %d: %w", types.ErrIntegrity, iter.Height(), err)
		}
		if !fn(b) {
			return nil
		}
	}
	if err := iter.Error(); err != nil {
		return storeError("scanning blocks", err)
	}
	return nil
}

// AddBlock appends a new block with the given body and returns it.
// The height, time and hashes are assigned here.
func (c *Chain) AddBlock(ctx context.Context, body Body) (*Block, error) {
	if err := body.check(); err != nil {
		return nil, err
	}

	c.appendMutex.Lock()
	defer c.appendMutex.Unlock()

	current, err := c.Height(ctx)
	if err != nil {
		return nil, err
	}
	var prev *Block
	if current >= 0 {
		if prev, err = c.block(uint64(current)); err != nil {
			return nil, fmt.Errorf("reading previous block: %w", err)
		}
		if prev.Height != uint64(current) {
			return nil, fmt.Errorf("%w: block %d claims height %d", types.ErrIntegrity, current, prev.Height)
		}
	}
	b, data, err := seal(prev, body, strconv.FormatInt(c.clock.Now().Unix(), 10))
	if err != nil {
		return nil, err
	}
	if err := c.store.PutBlock(b.Height, data); err != nil {
		return nil, storeError(fmt.Sprintf("storing block %d", b.Height), err)
	}

	heightMetric.Set(float64(b.Height))
	appendedMetric.Inc()
	logging.FromContext(ctx).Info("appended block",
		zap.Uint64("height", b.Height),
		zap.String("hash", b.Hash),
		zap.String("address", b.Body.Address),
	)

	c.decorate(ctx, b)
	return b, nil
}

// ValidateBlockHash recomputes the hash of the stored block and compares
// it with the stored one. A block that cannot be decoded, or that is
// stored under another height than it claims, is not valid.
func (c *Chain) ValidateBlockHash(ctx context.Context, height uint64) (bool, error) {
	data, err := c.store.GetBlock(height)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("%w: block %d", types.ErrNotFound, height)
	case err != nil:
		return false, storeError(fmt.Sprintf("reading block %d", height), err)
	}
	b, err := decodeBlock(data)
	if err != nil {
		logging.FromContext(ctx).Debug("block is undecodable", zap.Uint64("height", height), zap.Error(err))
		return false, nil
	}
	return b.hashValid(height), nil
}

// seal builds the block following prev, or the first block if prev is nil,
// and returns it with its serialization.
func seal(prev *Block, body Body, time string) (*Block, []byte, error) {
	b := &Block{Body: body, Time: time}
	if prev != nil {
		b.Height = prev.Height + 1
		b.PreviousBlockHash = prev.Hash
	}
	if body.IsGenesis() != (prev == nil) {
		return nil, nil, fmt.Errorf("%w: only the first block carries the genesis body", types.ErrMalformedInput)
	}
	b = b.clone()

	var err error
	if b.Hash, err = b.computeHash(); err != nil {
		return nil, nil, fmt.Errorf("hashing block %d: %w", b.Height, err)
	}
	data, err := b.encode()
	if err != nil {
		return nil, nil, fmt.Errorf("serializing block %d: %w", b.Height, err)
	}
	return b, data, nil
}

func (b *Block) hashValid(height uint64) bool {
	if b.Height != height {
		return false
	}
	hash, err := b.computeHash()
	if err != nil {
		return false
	}
	return hash == b.Hash
}

func (c *Chain) decorate(ctx context.Context, b *Block) {
	if err := b.decodeStory(); err != nil {
		logging.FromContext(ctx).Warn("failed to decode story", zap.Error(err))
	}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrStore, op, err)
}
