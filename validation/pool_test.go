package validation_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/signing"
	"github.com/spacemeshos/starledger/store"
	"github.com/spacemeshos/starledger/types"
	"github.com/spacemeshos/starledger/validation"
	"github.com/spacemeshos/starledger/validation/mocks"
)

const issuedAt = 1544390745

type identity struct {
	address string
	sign    func(message string) string
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	params := &chaincfg.MainNetParams
	wif, err := signing.NewKey(params)
	require.NoError(t, err)
	address, err := signing.Address(wif, params)
	require.NoError(t, err)
	return identity{
		address: address,
		sign: func(message string) string {
			sig, err := signing.SignMessage(wif, message)
			require.NoError(t, err)
			return sig
		},
	}
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func newPool(t *testing.T, opts ...validation.OptionFunc) (*validation.Pool, *clock.Mock, *store.DB) {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	clk := clock.NewMock()
	clk.Set(time.Unix(issuedAt, 0))
	opts = append([]validation.OptionFunc{validation.WithClock(clk)}, opts...)
	pool := validation.New(db.Validations(), signing.NewMessageVerifier(&chaincfg.MainNetParams), opts...)
	return pool, clk, db
}

func TestChallengeIsStableWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, clk, _ := newPool(t)
	id := newIdentity(t)

	first, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, id.address+":1544390745:starRegistry", first.Message)
	require.Equal(t, int64(issuedAt), first.RequestTimeStamp)
	require.Equal(t, uint64(300), first.ValidationWindow)
	require.Equal(t, validation.StatusPending, first.Status)

	clk.Add(100 * time.Second)
	second, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, first.Message, second.Message)
	require.Equal(t, first.RequestTimeStamp, second.RequestTimeStamp)
	require.Equal(t, uint64(200), second.ValidationWindow)

	clk.Add(199*time.Second + 500*time.Millisecond)
	third, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, first.Message, third.Message)
	require.Equal(t, uint64(0), third.ValidationWindow)
}

func TestChallengeIsRenewedAfterWindow(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, clk, _ := newPool(t)
	id := newIdentity(t)

	first, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)

	clk.Add(300 * time.Second)
	renewed, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.NotEqual(t, first.Message, renewed.Message)
	require.Equal(t, int64(issuedAt+300), renewed.RequestTimeStamp)
	require.Equal(t, uint64(300), renewed.ValidationWindow)
	require.Equal(t, validation.StatusPending, renewed.Status)
}

func TestChallengeRequiresAddress(t *testing.T) {
	t.Parallel()
	pool, _, _ := newPool(t)
	_, err := pool.GetOrCreateChallenge(testContext(t), "")
	require.ErrorIs(t, err, types.ErrMalformedInput)
}

func TestCustomWindowAndTag(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, clk, _ := newPool(t, validation.WithWindow(time.Minute), validation.WithDomainTag("test"))
	id := newIdentity(t)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, id.address+":1544390745:test", record.Message)
	require.Equal(t, uint64(60), record.ValidationWindow)

	clk.Add(time.Minute)
	result, err := pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.False(t, result.Authorized)
	require.Equal(t, validation.StatusExpired, result.Record.Status)
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, clk, _ := newPool(t)
	id := newIdentity(t)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.ErrorIs(t, pool.IsAuthorized(ctx, id.address), validation.ErrNotVerified)

	clk.Add(10 * time.Second)
	result, err := pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.True(t, result.Authorized)
	require.Equal(t, validation.StatusValid, result.Record.Status)
	require.Equal(t, uint64(290), result.Record.ValidationWindow)
	require.NoError(t, pool.IsAuthorized(ctx, id.address))

	// a valid record short-circuits, even with a bad signature or after the window
	clk.Add(time.Hour)
	result, err = pool.VerifySignature(ctx, id.address, "garbage")
	require.NoError(t, err)
	require.True(t, result.Authorized)
	require.Equal(t, validation.StatusValid, result.Record.Status)
	require.Equal(t, uint64(0), result.Record.ValidationWindow)
	require.NoError(t, pool.IsAuthorized(ctx, id.address))
}

func TestVerifySignatureInvalid(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, _, _ := newPool(t)
	id := newIdentity(t)
	other := newIdentity(t)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)

	for _, signature := range []string{
		"not base64!",
		other.sign(record.Message),
		id.sign("something else"),
	} {
		result, err := pool.VerifySignature(ctx, id.address, signature)
		require.NoError(t, err)
		require.False(t, result.Authorized)
		require.Equal(t, validation.StatusInvalid, result.Record.Status)
		require.ErrorIs(t, pool.IsAuthorized(ctx, id.address), validation.ErrSignatureInvalid)
		require.ErrorIs(t, pool.IsAuthorized(ctx, id.address), types.ErrUnauthorized)
	}

	// an invalid attempt can be retried while the window is open
	result, err := pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.True(t, result.Authorized)
}

func TestVerifySignatureExpired(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, clk, _ := newPool(t)
	id := newIdentity(t)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)

	clk.Add(301 * time.Second)
	result, err := pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.False(t, result.Authorized)
	require.Equal(t, validation.StatusExpired, result.Record.Status)
	require.Equal(t, uint64(0), result.Record.ValidationWindow)

	err = pool.IsAuthorized(ctx, id.address)
	require.ErrorIs(t, err, validation.ErrExpired)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	// a new challenge starts over
	renewed, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, validation.StatusPending, renewed.Status)
	result, err = pool.VerifySignature(ctx, id.address, id.sign(renewed.Message))
	require.NoError(t, err)
	require.True(t, result.Authorized)
}

func TestVerifySignatureWithoutChallenge(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, _, _ := newPool(t)
	id := newIdentity(t)

	_, err := pool.VerifySignature(ctx, id.address, "sig")
	require.ErrorIs(t, err, types.ErrNotFound)

	err = pool.IsAuthorized(ctx, id.address)
	require.ErrorIs(t, err, validation.ErrNoChallenge)
	require.ErrorIs(t, err, types.ErrUnauthorized)
	require.NotErrorIs(t, err, types.ErrNotFound)
}

func TestConsume(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, _, _ := newPool(t)
	id := newIdentity(t)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	result, err := pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.True(t, result.Authorized)

	require.NoError(t, pool.Consume(ctx, id.address))
	require.ErrorIs(t, pool.IsAuthorized(ctx, id.address), types.ErrUnauthorized)
	_, err = pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.ErrorIs(t, err, types.ErrNotFound)

	// a fresh cycle authorizes again
	record, err = pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	result, err = pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)
	require.True(t, result.Authorized)
	require.NoError(t, pool.IsAuthorized(ctx, id.address))
}

func TestRedeem(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, _, _ := newPool(t)
	id := newIdentity(t)

	err := pool.Redeem(ctx, id.address, func(context.Context) error {
		t.Fatal("must not run without authorization")
		return nil
	})
	require.ErrorIs(t, err, validation.ErrNoChallenge)

	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	_, err = pool.VerifySignature(ctx, id.address, id.sign(record.Message))
	require.NoError(t, err)

	// a failing call keeps the authorization
	errAppend := errors.New("append failed")
	err = pool.Redeem(ctx, id.address, func(context.Context) error { return errAppend })
	require.ErrorIs(t, err, errAppend)
	require.NoError(t, pool.IsAuthorized(ctx, id.address))

	var calls atomic.Int32
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			err := pool.Redeem(ctx, id.address, func(context.Context) error {
				calls.Add(1)
				return nil
			})
			if err != nil && !errors.Is(err, types.ErrUnauthorized) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(1), calls.Load())
	require.ErrorIs(t, pool.IsAuthorized(ctx, id.address), validation.ErrNoChallenge)
}

func TestAddressesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, _, _ := newPool(t)
	alice := newIdentity(t)
	bob := newIdentity(t)

	a, err := pool.GetOrCreateChallenge(ctx, alice.address)
	require.NoError(t, err)
	b, err := pool.GetOrCreateChallenge(ctx, bob.address)
	require.NoError(t, err)
	require.NotEqual(t, a.Message, b.Message)

	_, err = pool.VerifySignature(ctx, alice.address, alice.sign(a.Message))
	require.NoError(t, err)
	require.NoError(t, pool.IsAuthorized(ctx, alice.address))
	require.ErrorIs(t, pool.IsAuthorized(ctx, bob.address), validation.ErrNotVerified)

	// bob cannot use alice's signature
	result, err := pool.VerifySignature(ctx, bob.address, alice.sign(b.Message))
	require.NoError(t, err)
	require.False(t, result.Authorized)
}

func TestRecordsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dir := t.TempDir()
	id := newIdentity(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(issuedAt, 0))
	verifier := signing.NewMessageVerifier(&chaincfg.MainNetParams)

	db, err := store.Open(dir)
	require.NoError(t, err)
	pool := validation.New(db.Validations(), verifier, validation.WithClock(clk))
	record, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = store.Open(dir)
	require.NoError(t, err)
	defer db.Close()
	pool = validation.New(db.Validations(), verifier, validation.WithClock(clk))
	again, err := pool.GetOrCreateChallenge(ctx, id.address)
	require.NoError(t, err)
	require.Equal(t, record, again)
}

func TestStoreFailures(t *testing.T) {
	t.Parallel()
	errDisk := errors.New("disk on fire")

	t.Run("reading", func(t *testing.T) {
		s := mocks.NewMockStore(gomock.NewController(t))
		pool := validation.New(s, signing.NewMessageVerifier(&chaincfg.MainNetParams))
		s.EXPECT().Get("addr").Return(nil, errDisk).Times(3)

		_, err := pool.GetOrCreateChallenge(testContext(t), "addr")
		require.ErrorIs(t, err, types.ErrStore)
		require.ErrorIs(t, err, errDisk)
		_, err = pool.VerifySignature(testContext(t), "addr", "sig")
		require.ErrorIs(t, err, types.ErrStore)
		require.ErrorIs(t, pool.IsAuthorized(testContext(t), "addr"), types.ErrStore)
	})
	t.Run("writing", func(t *testing.T) {
		s := mocks.NewMockStore(gomock.NewController(t))
		pool := validation.New(s, signing.NewMessageVerifier(&chaincfg.MainNetParams))
		s.EXPECT().Get("addr").Return(nil, store.ErrNotFound)
		s.EXPECT().Put("addr", gomock.Any()).Return(errDisk)

		_, err := pool.GetOrCreateChallenge(testContext(t), "addr")
		require.ErrorIs(t, err, types.ErrStore)
	})
	t.Run("corrupt record is replaced", func(t *testing.T) {
		s := mocks.NewMockStore(gomock.NewController(t))
		pool := validation.New(s, signing.NewMessageVerifier(&chaincfg.MainNetParams))
		s.EXPECT().Get("addr").Return([]byte{1, 2, 3}, nil)
		s.EXPECT().Put("addr", gomock.Any()).Return(nil)

		record, err := pool.GetOrCreateChallenge(testContext(t), "addr")
		require.NoError(t, err)
		require.Equal(t, validation.StatusPending, record.Status)
	})
	t.Run("corrupt record is not authorized", func(t *testing.T) {
		s := mocks.NewMockStore(gomock.NewController(t))
		pool := validation.New(s, signing.NewMessageVerifier(&chaincfg.MainNetParams))
		s.EXPECT().Get("addr").Return([]byte{1, 2, 3}, nil)

		err := pool.IsAuthorized(testContext(t), "addr")
		require.ErrorIs(t, err, types.ErrIntegrity)
	})
	t.Run("consuming", func(t *testing.T) {
		s := mocks.NewMockStore(gomock.NewController(t))
		pool := validation.New(s, signing.NewMessageVerifier(&chaincfg.MainNetParams))
		s.EXPECT().Delete("addr").Return(errDisk)

		require.ErrorIs(t, pool.Consume(testContext(t), "addr"), types.ErrStore)
	})
}
