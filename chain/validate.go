package chain

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/types"
)

type ViolationKind string

const (
	// HashMismatch: the stored hash is not the hash of the stored block.
	HashMismatch ViolationKind = "hash_mismatch"
	// BrokenLink: previousBlockHash does not match the previous block.
	BrokenLink ViolationKind = "broken_link"
	// MissingBlocks: a range of heights has no blocks.
	MissingBlocks ViolationKind = "missing_blocks"
	// Undecodable: the stored record is not a block.
	Undecodable ViolationKind = "undecodable"
)

// Violation is an integrity problem found at a height.
type Violation struct {
	Height uint64        `json:"height"`
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("block %d: %s: %s", v.Height, v.Kind, v.Detail)
}

func (v Violation) Unwrap() error {
	return types.ErrIntegrity
}

// Report is the outcome of a full chain validation.
type Report struct {
	// Height of the last block found, -1 for an empty chain.
	Height int64 `json:"height"`
	// Checked is the number of blocks visited.
	Checked    uint64      `json:"checked"`
	Violations []Violation `json:"violations"`
}

func (r *Report) Valid() bool {
	return len(r.Violations) == 0
}

// Heights returns the distinct offending heights in ascending order.
func (r *Report) Heights() []uint64 {
	heights := []uint64{}
	for _, v := range r.Violations {
		if n := len(heights); n == 0 || heights[n-1] != v.Height {
			heights = append(heights, v.Height)
		}
	}
	return heights
}

// Err aggregates all violations, or returns nil for a valid chain.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, v := range r.Violations {
		result = multierror.Append(result, v)
	}
	return result.ErrorOrNil()
}

func (r *Report) add(height uint64, kind ViolationKind, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Height: height,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	})
}

// ValidateChain checks every stored block in a single pass and reports
// all violations found. It fails only if the store cannot be scanned.
func (c *Chain) ValidateChain(ctx context.Context) (*Report, error) {
	logger := logging.FromContext(ctx)
	report := &Report{Height: -1, Violations: []Violation{}}

	iter := c.store.Blocks()
	defer iter.Release()

	var (
		expected uint64
		prevHash string
		linked   bool // prevHash belongs to the block at expected-1
	)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		height := iter.Height()
		if height > expected {
			report.add(expected, MissingBlocks, "heights %d to %d are missing", expected, height-1)
			linked = false
		}
		expected = height + 1
		report.Height = int64(height)
		report.Checked++

		b, err := decodeBlock(iter.Value())
		if err != nil {
			report.add(height, Undecodable, "%v", err)
			linked = false
			continue
		}
		if !b.hashValid(height) {
			report.add(height, HashMismatch, "stored hash %s", b.Hash)
		}
		switch {
		case height == 0 && b.PreviousBlockHash != "":
			report.add(height, BrokenLink, "genesis block references %s", b.PreviousBlockHash)
		case height > 0 && !linked:
			report.add(height, BrokenLink, "previous block is not available")
		case height > 0 && b.PreviousBlockHash != prevHash:
			report.add(height, BrokenLink, "previous block hash %s, want %s", b.PreviousBlockHash, prevHash)
		}
		prevHash = b.Hash
		linked = true
	}
	if err := iter.Error(); err != nil {
		return nil, storeError("scanning blocks", err)
	}

	violationsMetric.Set(float64(len(report.Violations)))
	if report.Valid() {
		logger.Info("chain validated", zap.Int64("height", report.Height))
	} else {
		logger.Warn("chain has integrity violations",
			zap.Int64("height", report.Height),
			zap.Error(report.Err()),
		)
	}
	return report, nil
}
