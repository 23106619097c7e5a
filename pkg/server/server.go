package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const DefaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// CleanUpFuncs are called once the server has shut down, even if the shutdown failed.
	CleanUpFuncs []func(ctx context.Context)
	// ShutdownTimeout bounds the shutdown and the cleanup functions.
	ShutdownTimeout time.Duration
	// CertFile and KeyFile serve TLS when both are set.
	CertFile, KeyFile string
	Logger            *slog.Logger
}

// Run serves until ctx is done, then shuts down gracefully.
// It returns the serve error, or the shutdown error if the shutdown timed out.
func (s *Server) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("server started at %s", s.Server.Addr))
		var err error
		if s.CertFile != "" && s.KeyFile != "" {
			err = s.ListenAndServeTLS(s.CertFile, s.KeyFile)
		} else {
			err = s.ListenAndServe()
		}
		serveErr <- err
	}()

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if serr := s.Server.Shutdown(shutdownCtx); serr != nil {
		logger.Error(fmt.Sprintf("server shutdown: %v", serr))
		err = errors.Join(err, serr)
	}
	for _, cf := range s.CleanUpFuncs {
		cf(shutdownCtx)
	}
	if shutdownCtx.Err() != nil {
		return errors.Join(err, fmt.Errorf("graceful shutdown timed out: %w", shutdownCtx.Err()))
	}
	logger.Info("server shutdown gracefully")
	return err
}
