// Package server wraps http.Server with the timeouts and the TLS posture the
// service runs with everywhere.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
	errCh   chan error
}

func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
		errCh:   make(chan error, 1),
	}
}

// Start begins serving in the background. Serves TLS when both a certificate
// and a key are configured, plain HTTP otherwise.
func (s *Server) Start() error {
	serve := func() error { return s.srv.ListenAndServe() }
	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		serve = func() error { return s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey) }
	}

	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			s.errCh <- err
		}
	}()
	return nil
}

// Err reports a serve failure after Start, if any.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
