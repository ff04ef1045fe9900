package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/db"
	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/rpc"
	"github.com/spacemeshos/starledger/signing"
	"github.com/spacemeshos/starledger/store"
	"github.com/spacemeshos/starledger/validation"
)

type Server struct {
	cfg Config

	db    *store.DB
	chain *chain.Chain
	pool  *validation.Pool

	restListener    net.Listener
	metricsListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	params, err := signing.NetParams(cfg.Validation.Network)
	if err != nil {
		return nil, err
	}
	verifier := signing.NewMessageVerifier(params)
	if cfg.Validation.VerifierCacheSize > 0 {
		verifier, err = signing.NewCaching(cfg.Validation.VerifierCacheSize, verifier)
		if err != nil {
			return nil, fmt.Errorf("creating verifier cache: %w", err)
		}
	}

	// Resolve the REST listener
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawRESTListener)
	if err != nil {
		return nil, err
	}
	restListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	var metricsListener net.Listener
	if cfg.MetricsPort != nil {
		metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			restListener.Close()
			return nil, fmt.Errorf("failed to listen for metrics: %v", err)
		}
	}

	closeListeners := func() {
		restListener.Close()
		if metricsListener != nil {
			metricsListener.Close()
		}
	}

	if _, err := os.Stat(cfg.DbDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DbDir, 0o700); err != nil {
			closeListeners()
			return nil, err
		}
	}
	database, err := store.Open(cfg.DbDir)
	if err != nil {
		closeListeners()
		return nil, err
	}

	pool := validation.New(database.Validations(), verifier, validation.WithWindow(cfg.Validation.Window))

	// The legacy ledger must be in place before the chain bootstraps its
	// Genesis block.
	legacy := db.Legacy{ChainDir: cfg.Legacy.ChainDir, ValidationDir: cfg.Legacy.ValidationDir}
	if err := db.Import(ctx, database.Ledger(), pool, legacy); err != nil {
		closeListeners()
		database.Close()
		return nil, fmt.Errorf("importing legacy data: %w", err)
	}

	c, err := chain.New(ctx, database.Ledger())
	if err != nil {
		closeListeners()
		database.Close()
		return nil, fmt.Errorf("creating chain: %w", err)
	}

	return &Server{
		cfg:             cfg,
		db:              database,
		chain:           c,
		pool:            pool,
		restListener:    restListener,
		metricsListener: metricsListener,
	}, nil
}

// Close releases the database. It must be called after Start returned.
func (s *Server) Close() error {
	return s.db.Close()
}

// RestAddr returns the address that the API is served on.
func (s *Server) RestAddr() net.Addr {
	return s.restListener.Addr()
}

// MetricsAddr returns the address that metrics are exposed on, or nil if
// they are not.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Start serves the API until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)
	logger.Info("starting ledger server", zap.Object("legacy", s.cfg.Legacy))

	handler := rpc.NewServer(logger, s.chain, s.pool, rpc.WithMaxBodySize(s.cfg.MaxBodySize))
	server := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("REST server starts listening on %s", s.restListener.Addr())
		err := server.Serve(s.restListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsServer *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server starts listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown server: %s", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}
