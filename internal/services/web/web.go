// Package web exposes the management HTTP API: admit and cancel scheduled
// deliveries, immediate publish, and a health snapshot. Every endpoint
// requires the shared token in the X-Auth-Token header.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/services/scheduler"
	logx "postbot/pkg/logx"
)

// Core is the scheduling surface the API fronts. Satisfied by
// scheduler.Service.
type Core interface {
	Admit(ctx context.Context, c delivery.Candidate) (delivery.ScheduledDelivery, error)
	Cancel(ctx context.Context, id int64) error
	ListActive(ctx context.Context) ([]delivery.ScheduledDelivery, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

// Publisher performs an immediate, unpersisted delivery. Satisfied by
// dispatch.Service.
type Publisher interface {
	Deliver(ctx context.Context, d delivery.ScheduledDelivery) (int, error)
}

type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	cfg  Config
	core Core
	pub  Publisher
	log  logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, core Core, pub Publisher, log logx.Logger) *Service {
	return &Service{
		cfg:  cfg,
		core: core,
		pub:  pub,
		log:  log.With(logx.String("svc", "web")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("web: already started")
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	s.log.Info("api stopped")
	return nil
}

// Addr reports the bound listen address, usable after Start. Tests bind to
// port 0 and read the real port back from here.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/deliveries", s.withAuth(s.handleAdmit))
	mux.HandleFunc("GET /api/deliveries", s.withAuth(s.handleList))
	mux.HandleFunc("DELETE /api/deliveries/{id}", s.withAuth(s.handleCancel))
	mux.HandleFunc("POST /api/publish", s.withAuth(s.handlePublish))
	mux.HandleFunc("GET /healthz", s.withAuth(s.handleHealth))
	return mux
}

const authHeader = "X-Auth-Token"

func (s *Service) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		if tok == "" || r.Header.Get(authHeader) != tok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}
