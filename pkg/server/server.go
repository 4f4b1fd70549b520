package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/certs"
	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/ratelimit"
)

// Server runs the two edge listeners: cleartext for ACME challenges and
// HTTPS redirects, TLS for everything else.
type Server struct {
	cfg     *config.Manager
	handler http.Handler
	certs   *certs.Manager
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New creates the server around the dispatcher.
func New(cfg *config.Manager, handler http.Handler, cm *certs.Manager, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		certs:   cm,
		limiter: limiter,
		logger:  log.WithComponent("server"),
	}
}

// Start opens both listeners. It returns after the listeners are
// accepting; serve errors surface on errCh.
func (s *Server) Start(errCh chan<- error) error {
	snapshot := s.cfg.Current()

	s.httpSrv = &http.Server{
		Addr:              snapshot.HTTPAddr,
		Handler:           http.HandlerFunc(s.serveCleartext),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.httpsSrv = &http.Server{
		Addr:              snapshot.HTTPSAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.certs.GetCertificate,
		},
		ConnState: s.onConnState,
	}

	httpLn, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	httpsLn, err := net.Listen("tcp", s.httpsSrv.Addr)
	if err != nil {
		httpLn.Close()
		return err
	}

	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := s.httpsSrv.ServeTLS(httpsLn, "", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info().
		Str("http", s.httpSrv.Addr).
		Str("https", s.httpsSrv.Addr).
		Msg("listeners started")
	return nil
}

// onConnState feeds new TLS connections into the churn detector.
func (s *Server) onConnState(conn net.Conn, state http.ConnState) {
	if state != http.StateNew {
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	s.limiter.RecordConnection(host)
}

// serveCleartext answers ACME challenges on port 80 and redirects the
// rest to HTTPS.
func (s *Server) serveCleartext(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, certs.ChallengePathPrefix) {
		s.certs.Challenges().ServeHTTP(w, r)
		return
	}
	target := "https://" + stripPort(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.httpsSrv != nil {
		if err := s.httpsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
