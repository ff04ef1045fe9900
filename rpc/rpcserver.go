package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/rpc/api"
	"github.com/spacemeshos/starledger/types"
	"github.com/spacemeshos/starledger/validation"
)

// DefaultMaxBodySize limits the size of request bodies.
const DefaultMaxBodySize = 64 << 10

// rpcServer is the HTTP front end of the ledger.
type rpcServer struct {
	chain       *chain.Chain
	pool        *validation.Pool
	maxBodySize int64
}

type ServerOptionFunc func(*rpcServer)

// WithMaxBodySize limits request bodies to size bytes.
func WithMaxBodySize(size int64) ServerOptionFunc {
	return func(s *rpcServer) {
		if size > 0 {
			s.maxBodySize = size
		}
	}
}

// NewServer creates the HTTP handler serving the API.
func NewServer(logger *zap.Logger, c *chain.Chain, pool *validation.Pool, opts ...ServerOptionFunc) http.Handler {
	s := &rpcServer{
		chain:       c,
		pool:        pool,
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(loggerMiddleware(logger), metricsMiddleware)

	r.HandleFunc("/requestValidation", s.requestValidation).Methods(http.MethodPost)
	r.HandleFunc("/message-signature/validate", s.validateSignature).Methods(http.MethodPost)
	r.HandleFunc("/stars/address:{address}", s.starsByAddress).Methods(http.MethodGet)
	r.HandleFunc("/stars/address/{address}", s.starsByAddress).Methods(http.MethodGet)
	r.HandleFunc("/stars/hash:{hash}", s.starByHash).Methods(http.MethodGet)
	r.HandleFunc("/stars/hash/{hash}", s.starByHash).Methods(http.MethodGet)
	r.HandleFunc("/block/{height:[0-9]+}", s.block).Methods(http.MethodGet)
	r.HandleFunc("/block", s.registerStar).Methods(http.MethodPost)
	r.HandleFunc("/height", s.height).Methods(http.MethodGet)
	r.HandleFunc("/validate", s.validateChain).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{
			Status:  http.StatusNotFound,
			Message: "Check the README.md for the accepted endpoints",
		})
	})
	return r
}

func (s *rpcServer) requestValidation(w http.ResponseWriter, r *http.Request) {
	var in api.RequestValidationRequest
	if !s.decode(w, r, &in) {
		return
	}
	if in.Address == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: address is required", types.ErrMalformedInput))
		return
	}
	record, err := s.pool.GetOrCreateChallenge(r.Context(), in.Address)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *rpcServer) validateSignature(w http.ResponseWriter, r *http.Request) {
	var in api.ValidateSignatureRequest
	if !s.decode(w, r, &in) {
		return
	}
	switch {
	case in.Address == "":
		writeError(r.Context(), w, fmt.Errorf("%w: address is required", types.ErrMalformedInput))
		return
	case in.Signature == "":
		writeError(r.Context(), w, fmt.Errorf("%w: signature is required", types.ErrMalformedInput))
		return
	}
	result, err := s.pool.VerifySignature(r.Context(), in.Address, in.Signature)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	status := http.StatusOK
	if !result.Authorized {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (s *rpcServer) starsByAddress(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.chain.BlocksByAddress(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *rpcServer) starByHash(w http.ResponseWriter, r *http.Request) {
	block, err := s.chain.BlockByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *rpcServer) block(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: invalid height: %w", types.ErrMalformedInput, err))
		return
	}
	block, err := s.chain.Block(r.Context(), height)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *rpcServer) registerStar(w http.ResponseWriter, r *http.Request) {
	var in api.RegisterStarRequest
	if !s.decode(w, r, &in) {
		return
	}
	switch {
	case in.Address == "":
		writeError(r.Context(), w, chain.ErrMissingAddress)
		return
	case in.Star == nil:
		writeError(r.Context(), w, chain.ErrMissingStar)
		return
	}
	body, err := chain.NewStarBody(in.Address, *in.Star)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var block *chain.Block
	err = s.pool.Redeem(r.Context(), in.Address, func(ctx context.Context) error {
		b, err := s.chain.AddBlock(ctx, body)
		block = b
		return err
	})
	if err != nil && block == nil {
		writeError(r.Context(), w, err)
		return
	}
	if err != nil {
		// the block is in, only the authorization could not be dropped
		logging.FromContext(r.Context()).Error("failed to consume authorization", zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, block)
}

func (s *rpcServer) height(w http.ResponseWriter, r *http.Request) {
	height, err := s.chain.Height(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HeightResponse{Height: height})
}

func (s *rpcServer) validateChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.chain.ValidateChain(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads the JSON request body into v. It reports false after
// writing the error response.
func (s *rpcServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body is limited to %d bytes", tooLarge.Limit),
			})
			return false
		}
		writeError(r.Context(), w, fmt.Errorf("%w: invalid request body: %w", types.ErrMalformedInput, err))
		return false
	}
	return true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(ctx).Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, api.ErrorResponse{Status: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
