package db_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/db"
	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/signing"
	"github.com/spacemeshos/starledger/store"
	"github.com/spacemeshos/starledger/types"
	"github.com/spacemeshos/starledger/validation"
)

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

// legacyBlock serializes a block the way the legacy ledger did and
// returns it with its hash.
func legacyBlock(height int, body, time, prevHash string) (string, string) {
	doc := fmt.Sprintf(`{"hash":"","height":%d,"body":%s,"time":"%s","previousBlockHash":"%s"}`,
		height, body, time, prevHash)
	sum := sha256.Sum256([]byte(doc))
	hash := hex.EncodeToString(sum[:])
	return strings.Replace(doc, `"hash":""`, `"hash":"`+hash+`"`, 1), hash
}

func starJSON(address, story string) string {
	return fmt.Sprintf(`{"address":"%s","star":{"dec":"-26° 29' 24.9","ra":"16h 29m 1.0s","story":"%s"}}`,
		address, hex.EncodeToString([]byte(story)))
}

// writeLegacyLedger writes a legacy ledger of n blocks and returns their values.
func writeLegacyLedger(t *testing.T, dir string, n int) []string {
	t.Helper()
	ldb, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer ldb.Close()

	var values []string
	prev := ""
	for i := 0; i < n; i++ {
		body := `"Genesis Block"`
		if i > 0 {
			body = starJSON("1Legacy", fmt.Sprintf("story %d", i))
		}
		value, hash := legacyBlock(i, body, strconv.Itoa(1544390745+i), prev)
		require.NoError(t, ldb.Put([]byte(strconv.Itoa(i)), []byte(value), nil))
		values = append(values, value)
		prev = hash
	}
	return values
}

func overwriteLegacy(t *testing.T, dir, key, value string) {
	t.Helper()
	ldb, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer ldb.Close()
	require.NoError(t, ldb.Put([]byte(key), []byte(value), nil))
}

func openTarget(t *testing.T) *store.DB {
	t.Helper()
	target, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, target.Close()) })
	return target
}

func TestImportChain(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	// more than 10 blocks so that the decimal keys do not sort numerically
	writeLegacyLedger(t, dir, 12)

	target := openTarget(t)
	height, err := db.ImportChain(ctx, target.Ledger(), dir)
	require.NoError(t, err)
	require.Equal(t, int64(11), height)

	c, err := chain.New(ctx, target.Ledger())
	require.NoError(t, err)
	height, err = c.Height(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(11), height)

	report, err := c.ValidateChain(ctx)
	require.NoError(t, err)
	require.True(t, report.Valid(), report.Err())

	for i := uint64(1); i <= 11; i++ {
		b, err := c.Block(ctx, i)
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(1544390745+int(i)), b.Time)
		require.Equal(t, "1Legacy", b.Body.Address)
		require.Equal(t, fmt.Sprintf("story %d", i), b.Body.Star.StoryDecoded)
		require.Equal(t, "16h 29m 1.0s", b.Body.Star.RightAscension)
	}
	genesis, err := c.Block(ctx, 0)
	require.NoError(t, err)
	require.True(t, genesis.Body.IsGenesis())
	require.Equal(t, "1544390745", genesis.Time)

	blocks, err := c.BlocksByAddress(ctx, "1Legacy")
	require.NoError(t, err)
	require.Len(t, blocks, 11)
}

func TestImportChainRejectsTamperedLedger(t *testing.T) {
	for name, tamper := range map[string]func(t *testing.T, dir string, values []string){
		"modified block": func(t *testing.T, dir string, values []string) {
			overwriteLegacy(t, dir, "2", strings.Replace(values[2], "1Legacy", "1Mallory", 1))
		},
		"relinked block": func(t *testing.T, dir string, values []string) {
			value, _ := legacyBlock(2, starJSON("1Legacy", "story 2"), "1544390747", strings.Repeat("0", 64))
			overwriteLegacy(t, dir, "2", value)
		},
		"missing block": func(t *testing.T, dir string, values []string) {
			ldb, err := leveldb.OpenFile(dir, nil)
			require.NoError(t, err)
			defer ldb.Close()
			require.NoError(t, ldb.Delete([]byte("2"), nil))
		},
		"foreign key": func(t *testing.T, dir string, values []string) {
			overwriteLegacy(t, dir, "latest", values[3])
		},
		"non ascii story": func(t *testing.T, dir string, values []string) {
			value, _ := legacyBlock(4, starJSON("1Legacy", "ĉielo"), "1544390749", "")
			overwriteLegacy(t, dir, "4", value)
		},
	} {
		tamper := tamper
		t.Run(name, func(t *testing.T) {
			ctx := testContext(t)
			dir := t.TempDir()
			values := writeLegacyLedger(t, dir, 5)
			tamper(t, dir, values)

			target := openTarget(t)
			_, err := db.ImportChain(ctx, target.Ledger(), dir)
			require.ErrorIs(t, err, types.ErrIntegrity)

			// nothing was written
			_, ok, err := target.Ledger().LastHeight()
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

// racingLedger lets another writer take a height right before the import
// stores its blocks.
type racingLedger struct {
	*store.Ledger
	height uint64
}

func (r *racingLedger) PutBlocks(first uint64, blocks [][]byte) error {
	if err := r.Ledger.PutBlock(r.height, []byte("intruder")); err != nil {
		return err
	}
	return r.Ledger.PutBlocks(first, blocks)
}

func TestImportChainFailureWritesNothing(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	writeLegacyLedger(t, dir, 11)

	target := openTarget(t)
	_, err := db.ImportChain(ctx, &racingLedger{Ledger: target.Ledger(), height: 5}, dir)
	require.ErrorIs(t, err, types.ErrStore)
	require.ErrorIs(t, err, store.ErrExists)

	// only the intruder is there, none of the imported blocks
	for h := uint64(0); h <= 10; h++ {
		_, err := target.Ledger().GetBlock(h)
		if h == 5 {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, store.ErrNotFound, "height %d", h)
	}

	// once the intruder is gone the import runs in full
	retry := openTarget(t)
	require.NoError(t, db.Import(ctx, retry.Ledger(), nil, db.Legacy{ChainDir: dir}))
	c, err := chain.New(ctx, retry.Ledger())
	require.NoError(t, err)
	height, err := c.Height(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), height)
}

func TestImportChainIntoExistingLedger(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	writeLegacyLedger(t, dir, 3)

	target := openTarget(t)
	_, err := chain.New(ctx, target.Ledger())
	require.NoError(t, err)

	_, err = db.ImportChain(ctx, target.Ledger(), dir)
	require.ErrorIs(t, err, db.ErrLedgerNotEmpty)

	// Import leaves an existing ledger alone
	require.NoError(t, db.Import(ctx, target.Ledger(), nil, db.Legacy{ChainDir: dir}))
}

func TestImportSkipsMissingDirs(t *testing.T) {
	ctx := testContext(t)
	target := openTarget(t)
	pool := validation.New(target.Validations(), signing.NewMessageVerifier(&chaincfg.MainNetParams))

	height, err := db.ImportChain(ctx, target.Ledger(), filepath.Join(t.TempDir(), "i-dont-exist"))
	require.NoError(t, err)
	require.Equal(t, int64(-1), height)

	count, err := db.ImportValidations(ctx, pool, filepath.Join(t.TempDir(), "i-dont-exist"))
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestImportValidations(t *testing.T) {
	ctx := testContext(t)
	params := &chaincfg.MainNetParams
	wif, err := signing.NewKey(params)
	require.NoError(t, err)
	pending, err := signing.Address(wif, params)
	require.NoError(t, err)

	const issuedMs = 1544390745123
	message := func(address string) string {
		return fmt.Sprintf("%s:%d:starRegistry", address, issuedMs)
	}
	records := map[string]string{
		pending:   fmt.Sprintf(`{"address":"%s","message":"%s","requestTimeStamp":%d,"validationWindow":300}`, pending, message(pending), issuedMs),
		"1Valid":  fmt.Sprintf(`{"address":"1Valid","message":"%s","requestTimeStamp":%d,"validationWindow":120,"messageSignature":"valid"}`, message("1Valid"), issuedMs),
		"1Gone":   fmt.Sprintf(`{"address":"1Gone","message":"%s","requestTimeStamp":%d,"validationWindow":0,"messageSignature":"Validation expired!"}`, message("1Gone"), issuedMs),
		"1Broken": `{"address":"1Broken"`,
		"1Other":  fmt.Sprintf(`{"address":"1Else","message":"m","requestTimeStamp":%d}`, issuedMs),
	}
	dir := t.TempDir()
	ldb, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	for k, v := range records {
		require.NoError(t, ldb.Put([]byte(k), []byte(v), nil))
	}
	require.NoError(t, ldb.Close())

	clk := clock.NewMock()
	clk.Set(time.Unix(1544390745+60, 0))
	target := openTarget(t)
	pool := validation.New(target.Validations(), signing.NewMessageVerifier(params), validation.WithClock(clk))

	count, err := db.ImportValidations(ctx, pool, dir)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	require.NoError(t, pool.IsAuthorized(ctx, "1Valid"))
	require.ErrorIs(t, pool.IsAuthorized(ctx, "1Gone"), validation.ErrExpired)
	require.ErrorIs(t, pool.IsAuthorized(ctx, "1Broken"), validation.ErrNoChallenge)
	require.ErrorIs(t, pool.IsAuthorized(ctx, "1Other"), validation.ErrNoChallenge)

	// the pending challenge keeps its message and its window
	record, err := pool.GetOrCreateChallenge(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, message(pending), record.Message)
	require.Equal(t, int64(1544390745), record.RequestTimeStamp)
	require.Equal(t, uint64(240), record.ValidationWindow)

	signature, err := signing.SignMessage(wif, record.Message)
	require.NoError(t, err)
	result, err := pool.VerifySignature(ctx, pending, signature)
	require.NoError(t, err)
	require.True(t, result.Authorized)

	// importing again keeps the current records
	count, err = db.ImportValidations(ctx, pool, dir)
	require.NoError(t, err)
	require.Zero(t, count)
	require.NoError(t, pool.IsAuthorized(ctx, pending))
}
