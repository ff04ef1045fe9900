package server

import (
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"go.uber.org/zap"
)

// StartProfiling enables the HTTP profiling server and the CPU profile when
// the config asks for them. The returned function stops the CPU profile.
func StartProfiling(logger *zap.Logger, cfg *Config) (stop func()) {
	if cfg.Profile != "" {
		listenAddr := net.JoinHostPort("", cfg.Profile)
		logger.Sugar().Infof("starting HTTP profiling on %v", listenAddr)
		go func() {
			profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			err := http.ListenAndServe(listenAddr, nil)
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("profiling server stopped", zap.Error(err))
			}
		}()
	} else {
		// Disable go default unbounded memory profiler.
		runtime.MemProfileRate = 0
	}

	if cfg.CPUProfile == "" {
		return func() {}
	}
	f, err := os.Create(cfg.CPUProfile)
	if err != nil {
		logger.Error("could not create CPU profile", zap.Error(err))
		return func() {}
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		logger.Error("could not start CPU profile", zap.Error(err))
		f.Close()
		return func() {}
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}
