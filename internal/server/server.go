// Package server implements the TLS acceptor, the per-session protocol
// engine, the session registry, the connection watchdog, and the delayed
// option executer.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/config"
)

// Server accepts node connections and runs one session per connection.
type Server struct {
	logger   *zap.Logger
	deps     Deps
	tlsConf  *tls.Config
	addr     string
	listener net.Listener

	wg sync.WaitGroup
}

// New builds the acceptor from the server and client config sections.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.Client.UseClientCertificates {
		caPEM, err := os.ReadFile(cfg.Client.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("client CA %s holds no certificates", cfg.Client.ClientCAFile)
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &Server{
		logger:  logger.Named("server"),
		deps:    deps,
		tlsConf: tlsConf,
		addr:    fmt.Sprintf(":%d", cfg.Server.Port),
	}, nil
}

// ListenAndServe accepts connections until ctx is cancelled, then closes
// the listener and every active session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConf)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.deps).Run()
		}()
	}

	s.deps.Registry.CloseAll()
	s.wg.Wait()
	return nil
}
