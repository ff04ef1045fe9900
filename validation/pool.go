package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/signing"
	"github.com/spacemeshos/starledger/store"
	"github.com/spacemeshos/starledger/types"
)

var (
	ErrExpired          = fmt.Errorf("%w: validation expired", types.ErrUnauthorized)
	ErrSignatureInvalid = fmt.Errorf("%w: signature is not valid", types.ErrUnauthorized)
	ErrNotVerified      = fmt.Errorf("%w: signature was not verified", types.ErrUnauthorized)
	ErrNoChallenge      = fmt.Errorf("%w: no challenge was requested", types.ErrUnauthorized)
)

//go:generate mockgen -package mocks -destination mocks/store.go . Store

// Store persists the records keyed by address.
// Get fails with store.ErrNotFound for unknown addresses.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Result is the outcome of a signature verification.
type Result struct {
	Authorized bool    `json:"registerStar"`
	Record     *Record `json:"status"`
}

// Pool keeps one authorization record per address.
type Pool struct {
	store     Store
	verifier  signing.Verifier
	clock     clock.Clock
	window    time.Duration
	domainTag string

	locks *locker
}

type OptionFunc func(*newPoolOptions)

type newPoolOptions struct {
	clock     clock.Clock
	window    time.Duration
	domainTag string
}

func WithClock(c clock.Clock) OptionFunc {
	return func(opts *newPoolOptions) {
		opts.clock = c
	}
}

// WithWindow sets how long a challenge can be signed after it was issued.
func WithWindow(window time.Duration) OptionFunc {
	return func(opts *newPoolOptions) {
		opts.window = window
	}
}

// WithDomainTag sets the suffix of the challenge messages.
func WithDomainTag(tag string) OptionFunc {
	return func(opts *newPoolOptions) {
		opts.domainTag = tag
	}
}

func New(store Store, verifier signing.Verifier, opts ...OptionFunc) *Pool {
	options := newPoolOptions{
		clock:     clock.New(),
		window:    DefaultWindow,
		domainTag: DefaultDomainTag,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Pool{
		store:     store,
		verifier:  verifier,
		clock:     options.clock,
		window:    options.window,
		domainTag: options.domainTag,
		locks:     newLocker(),
	}
}

// GetOrCreateChallenge returns the record of address. A new pending record
// is issued if there is none or if the window of the existing one is over.
func (p *Pool) GetOrCreateChallenge(ctx context.Context, address string) (*Record, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", types.ErrMalformedInput)
	}
	unlock := p.locks.Lock(address)
	defer unlock()

	logger := logging.FromContext(ctx).With(zap.String("address", address))
	now := p.clock.Now()

	record, err := p.load(address)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case errors.Is(err, types.ErrIntegrity):
		logger.Warn("replacing unreadable validation record", zap.Error(err))
	case err != nil:
		return nil, err
	case !record.Elapsed(now):
		return record.withRemaining(now), nil
	}

	record = NewRecord(address, now, p.window, p.domainTag)
	if err := p.save(record); err != nil {
		return nil, err
	}
	challengesMetric.Inc()
	logger.Info("issued challenge", zap.String("message", record.Message))
	return record.withRemaining(now), nil
}

// VerifySignature checks signature against the pending challenge of address
// and records the outcome. Verification failures are not errors: they
// yield an unauthorized Result.
func (p *Pool) VerifySignature(ctx context.Context, address, signature string) (*Result, error) {
	unlock := p.locks.Lock(address)
	defer unlock()

	logger := logging.FromContext(ctx).With(zap.String("address", address))
	now := p.clock.Now()

	record, err := p.load(address)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusValid {
		return &Result{Authorized: true, Record: record.withRemaining(now)}, nil
	}

	switch {
	case record.Elapsed(now):
		record.Status = StatusExpired
	default:
		if err := p.verifier.Verify(record.Message, address, signature); err != nil {
			logger.Debug("signature rejected", zap.Error(err))
			record.Status = StatusInvalid
		} else {
			record.Status = StatusValid
		}
	}
	if err := p.save(record); err != nil {
		return nil, err
	}
	verificationsMetric.WithLabelValues(string(record.Status)).Inc()
	logger.Info("verified signature", zap.Object("record", record))

	return &Result{
		Authorized: record.Status == StatusValid,
		Record:     record.withRemaining(now),
	}, nil
}

// IsAuthorized returns nil if address holds a verified signature.
func (p *Pool) IsAuthorized(ctx context.Context, address string) error {
	unlock := p.locks.Lock(address)
	defer unlock()
	return p.authorized(address)
}

func (p *Pool) authorized(address string) error {
	record, err := p.load(address)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return ErrNoChallenge
	case err != nil:
		return err
	}
	switch record.Status {
	case StatusValid:
		return nil
	case StatusExpired:
		return ErrExpired
	case StatusInvalid:
		return ErrSignatureInvalid
	default:
		return ErrNotVerified
	}
}

// Consume drops the record of address.
func (p *Pool) Consume(ctx context.Context, address string) error {
	unlock := p.locks.Lock(address)
	defer unlock()
	return p.consume(ctx, address)
}

func (p *Pool) consume(ctx context.Context, address string) error {
	if err := p.store.Delete(address); err != nil {
		return fmt.Errorf("%w: deleting record of %s: %w", types.ErrStore, address, err)
	}
	consumedMetric.Inc()
	logging.FromContext(ctx).Info("consumed authorization", zap.String("address", address))
	return nil
}

// Redeem runs fn on behalf of an authorized address and consumes the
// authorization once fn succeeds. The address stays locked meanwhile, so
// a single verified signature never authorizes two calls of fn.
func (p *Pool) Redeem(ctx context.Context, address string, fn func(context.Context) error) error {
	unlock := p.locks.Lock(address)
	defer unlock()

	if err := p.authorized(address); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return p.consume(ctx, address)
}

// Restore stores a record carried over from elsewhere unless the address
// already has one. The configured window applies to it. It reports whether
// the record was stored.
func (p *Pool) Restore(ctx context.Context, record *Record) (bool, error) {
	if record.Address == "" {
		return false, fmt.Errorf("%w: address is required", types.ErrMalformedInput)
	}
	if !record.Status.known() {
		return false, fmt.Errorf("%w: unknown status %q", types.ErrMalformedInput, record.Status)
	}
	unlock := p.locks.Lock(record.Address)
	defer unlock()

	_, err := p.load(record.Address)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, types.ErrNotFound):
		return false, err
	}
	r := *record
	r.ValidationWindow = uint64(p.window / time.Second)
	if err := p.save(&r); err != nil {
		return false, err
	}
	logging.FromContext(ctx).Debug("restored validation record", zap.Object("record", &r))
	return true, nil
}

func (p *Pool) load(address string) (*Record, error) {
	data, err := p.store.Get(address)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: no validation record for %s", types.ErrNotFound, address)
	case err != nil:
		return nil, fmt.Errorf("%w: reading record of %s: %w", types.ErrStore, address, err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: record of %s: %w", types.ErrIntegrity, address, err)
	}
	return record, nil
}

func (p *Pool) save(record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := p.store.Put(record.Address, data); err != nil {
		return fmt.Errorf("%w: storing record of %s: %w", types.ErrStore, record.Address, err)
	}
	return nil
}
