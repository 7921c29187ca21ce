// Package httpserver serves /metrics, /healthz and optionally
// /debug/pprof on a single listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token unless AllowInsecure is set.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "smmpulse/internal/runtime/supervisor"
	logx "smmpulse/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Check is one named readiness probe. A nil error means healthy.
type Check func(ctx context.Context) error

// LoopSource exposes the long-lived loops for /healthz.
type LoopSource interface {
	Snapshot() rtsup.Snapshot
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	loops  LoopSource
	checks map[string]Check

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, loops LoopSource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "http")),
		loops:  loops,
		checks: map[string]Check{},
	}
}

// AddCheck registers a readiness probe. Call before Start.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// Addr is the bound listener address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start is idempotent. The listener runs under a restart loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.mu.Unlock()
		return fmt.Errorf("httpserver: refusing non-loopback addr %q without token", addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	// The HTTP server is optional; its failures never cancel the app.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, addr)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop cancels the serve loop, which shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.mu.Lock()
		if s.srv != nil {
			_ = s.srv.Close()
		}
		s.mu.Unlock()
	}
	s.log.Info("http server stopped")
}

func (s *Server) serveOnce(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	s.mu.Lock()
	cur := s.cfg
	srv := &http.Server{
		Handler:           s.handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cur.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Server) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("/metrics", wrap(promhttp.Handler()))
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.serveHealth)))
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

type healthBody struct {
	Status string             `json:"status"`
	Checks map[string]string  `json:"checks"`
	Loops  []rtsup.LoopStatus `json:"loops,omitempty"`
	Error  string             `json:"first_error,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		names = append(names, name)
		checks[name] = c
	}
	s.mu.Unlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := healthBody{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			body.Checks[name] = err.Error()
			body.Status = "degraded"
			continue
		}
		body.Checks[name] = "ok"
	}
	if s.loops != nil {
		snap := s.loops.Snapshot()
		body.Loops = snap.Loops
		body.Error = snap.FirstError
		if snap.FirstError != "" {
			body.Status = "degraded"
		}
	}

	code := http.StatusOK
	if body.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
