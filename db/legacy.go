package db

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/minio/sha256-simd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/types"
	"github.com/spacemeshos/starledger/validation"
)

var ErrLedgerNotEmpty = errors.New("ledger already holds blocks")

const legacyExpired = "Validation expired!"

// Legacy databases keep the ledger and the validation records apart, keyed
// by decimal heights and by addresses, with JSON values.
type Legacy struct {
	ChainDir      string
	ValidationDir string
}

// ImportChain verifies the legacy ledger and rebuilds it in the target
// store. Times and bodies are kept; hashes are recomputed in the canonical
// form. The blocks are written in one transaction, so a failed import
// leaves the target empty. A missing legacy directory is skipped.
func ImportChain(ctx context.Context, target chain.BatchStore, dir string) (int64, error) {
	log := logging.FromContext(ctx).With(zap.String("dir", dir))
	log.Info("attempting legacy ledger import")

	old, err := openLegacy(dir)
	switch {
	case os.IsNotExist(err):
		log.Debug("skipping ledger import - legacy DB doesn't exist")
		return -1, nil
	case err != nil:
		return -1, fmt.Errorf("opening legacy ledger: %w", err)
	}
	defer old.Close()

	importer, err := chain.NewImporter(target)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrLedgerNotEmpty, err)
	}

	blocks := make(map[uint64][]byte)
	iter := old.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		height, err := strconv.ParseUint(string(iter.Key()), 10, 64)
		if err != nil {
			return -1, fmt.Errorf("%w: legacy key %q is not a height", types.ErrIntegrity, iter.Key())
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		blocks[height] = value
	}
	if err := iter.Error(); err != nil {
		return -1, fmt.Errorf("%w: reading legacy ledger: %w", types.ErrStore, err)
	}
	iter.Release()

	heights := make([]uint64, 0, len(blocks))
	for h := range blocks {
		heights = append(heights, h)
	}
	slices.Sort(heights)

	// the whole legacy ledger is verified before anything is written
	legacy := make([]*legacyBlock, 0, len(heights))
	var prevHash string
	for i, height := range heights {
		if height != uint64(i) {
			return -1, fmt.Errorf("%w: legacy block %d is missing", types.ErrIntegrity, i)
		}
		lb, err := parseLegacyBlock(blocks[height])
		if err != nil {
			return -1, fmt.Errorf("%w: legacy block %d: %w", types.ErrIntegrity, height, err)
		}
		switch {
		case lb.height != height:
			return -1, fmt.Errorf("%w: legacy block %d claims height %d", types.ErrIntegrity, height, lb.height)
		case !lb.hashValid():
			return -1, fmt.Errorf("%w: legacy block %d has an invalid hash", types.ErrIntegrity, height)
		case height > 0 && lb.previousHash != prevHash:
			return -1, fmt.Errorf("%w: legacy block %d is not linked to its predecessor", types.ErrIntegrity, height)
		}
		prevHash = lb.hash
		legacy = append(legacy, lb)
	}

	for _, lb := range legacy {
		if _, err := importer.Append(ctx, lb.body, lb.time); err != nil {
			return -1, fmt.Errorf("importing block %d: %w", lb.height, err)
		}
	}
	if err := importer.Commit(ctx); err != nil {
		return -1, fmt.Errorf("importing legacy ledger: %w", err)
	}

	log.Info("legacy ledger imported", zap.Int64("height", importer.Height()))
	return importer.Height(), nil
}

// ImportValidations copies the legacy validation records into pool.
// Addresses that already have a record keep it.
func ImportValidations(ctx context.Context, pool *validation.Pool, dir string) (int, error) {
	log := logging.FromContext(ctx).With(zap.String("dir", dir))
	log.Info("attempting legacy validation records import")

	old, err := openLegacy(dir)
	switch {
	case os.IsNotExist(err):
		log.Debug("skipping validation records import - legacy DB doesn't exist")
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("opening legacy validation records: %w", err)
	}
	defer old.Close()

	imported := 0
	iter := old.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		address := string(iter.Key())
		record, err := parseLegacyRecord(address, iter.Value())
		if err != nil {
			log.Warn("skipping legacy validation record", zap.String("address", address), zap.Error(err))
			continue
		}
		stored, err := pool.Restore(ctx, record)
		if err != nil {
			return imported, fmt.Errorf("importing record of %s: %w", address, err)
		}
		if stored {
			imported++
		}
	}
	if err := iter.Error(); err != nil {
		return imported, fmt.Errorf("%w: reading legacy validation records: %w", types.ErrStore, err)
	}

	log.Info("legacy validation records imported", zap.Int("count", imported))
	return imported, nil
}

// Import runs both imports. An existing ledger is left as it is.
func Import(ctx context.Context, target chain.BatchStore, pool *validation.Pool, legacy Legacy) error {
	if legacy.ChainDir != "" {
		_, err := ImportChain(ctx, target, legacy.ChainDir)
		switch {
		case errors.Is(err, ErrLedgerNotEmpty):
			logging.FromContext(ctx).Info("skipping legacy ledger import", zap.Error(err))
		case err != nil:
			return err
		}
	}
	if legacy.ValidationDir != "" {
		if _, err := ImportValidations(ctx, pool, legacy.ValidationDir); err != nil {
			return err
		}
	}
	return nil
}

func openLegacy(dir string) (*leveldb.DB, error) {
	return leveldb.OpenFile(dir, &opt.Options{ErrorIfMissing: true, ReadOnly: true})
}

type legacyBlock struct {
	raw          []byte
	hash         string
	height       uint64
	time         string
	previousHash string
	body         chain.Body
}

func parseLegacyBlock(raw []byte) (*legacyBlock, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("not a JSON document")
	}
	doc := gjson.ParseBytes(raw)
	lb := &legacyBlock{
		raw:          raw,
		hash:         doc.Get("hash").String(),
		height:       doc.Get("height").Uint(),
		time:         doc.Get("time").String(),
		previousHash: doc.Get("previousBlockHash").String(),
	}
	switch {
	case lb.hash == "":
		return nil, errors.New("no hash")
	case lb.time == "":
		return nil, errors.New("no time")
	}

	body := doc.Get("body")
	switch {
	case body.Type == gjson.String:
		if body.String() != chain.GenesisBody().Note {
			return nil, fmt.Errorf("unexpected note %q", body.String())
		}
		lb.body = chain.GenesisBody()
	case body.IsObject():
		star := body.Get("star")
		if !star.IsObject() {
			return nil, errors.New("no star")
		}
		story, err := hex.DecodeString(star.Get("story").String())
		if err != nil {
			return nil, fmt.Errorf("story is not hex encoded: %w", err)
		}
		lb.body, err = chain.NewStarBody(body.Get("address").String(), chain.Star{
			RightAscension: star.Get("ra").String(),
			Declination:    star.Get("dec").String(),
			Magnitude:      star.Get("mag").String(),
			Constellation:  star.Get("cen").String(),
			Story:          string(story),
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("no body")
	}
	return lb, nil
}

// hashValid checks the hash the legacy way: over the stored document
// with the hash itself blanked.
func (lb *legacyBlock) hashValid() bool {
	blank := bytes.Replace(lb.raw, []byte(`"hash":"`+lb.hash+`"`), []byte(`"hash":""`), 1)
	sum := sha256.Sum256(blank)
	return hex.EncodeToString(sum[:]) == lb.hash
}

func parseLegacyRecord(address string, raw []byte) (*validation.Record, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("not a JSON document")
	}
	doc := gjson.ParseBytes(raw)
	if a := doc.Get("address").String(); a != address {
		return nil, fmt.Errorf("record is keyed by %s but belongs to %q", address, a)
	}
	ts := doc.Get("requestTimeStamp")
	if !ts.Exists() {
		return nil, errors.New("no request timestamp")
	}

	record := &validation.Record{
		Address:          address,
		Message:          doc.Get("message").String(),
		RequestTimeStamp: ts.Int() / 1000,
	}
	if record.Message == "" {
		return nil, errors.New("no message")
	}
	switch status := doc.Get("messageSignature").String(); status {
	case "":
		record.Status = validation.StatusPending
	case string(validation.StatusValid):
		record.Status = validation.StatusValid
	case string(validation.StatusInvalid):
		record.Status = validation.StatusInvalid
	case legacyExpired:
		record.Status = validation.StatusExpired
	default:
		return nil, fmt.Errorf("unknown signature status %q", status)
	}
	return record, nil
}
