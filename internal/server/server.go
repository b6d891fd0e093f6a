// Package server hosts the relay's single HTTP listener: the telephony and
// observer websocket endpoints plus the operational probes and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jwillz7667/realtime-relay/internal/health"
	"github.com/jwillz7667/realtime-relay/internal/relay"
)

// shutdownGrace is how long in-flight connections get to drain on shutdown.
const shutdownGrace = 10 * time.Second

// Params configures a [Server].
type Params struct {
	// ListenAddr is the TCP address to bind (e.g. ":8081").
	ListenAddr string

	// Manager bridges the websocket legs.
	Manager *relay.Manager

	// Checkers are evaluated by /readyz.
	Checkers []health.Checker
}

// Server is the relay's HTTP front end.
type Server struct {
	httpSrv *http.Server
	manager *relay.Manager
}

// New builds the route table:
//
//	/call    — telephony media-stream websocket
//	/logs    — observer websocket (optional ?call=<callSid>)
//	/healthz, /readyz, /metrics — operational endpoints
func New(p Params) *Server {
	s := &Server{manager: p.Manager}

	mux := http.NewServeMux()
	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(p.Manager, p.Checkers...).Register(mux)

	s.httpSrv = &http.Server{
		Addr:    p.ListenAddr,
		Handler: mux,
	}
	return s
}

// Handler exposes the route table, primarily for tests that mount the
// server on an httptest listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleCall terminates the telephony media-stream websocket.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // media gateways send no browser Origin
	})
	if err != nil {
		slog.Warn("telephony accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	s.manager.ServeTelephony(r.Context(), conn)
}

// handleLogs terminates an observer websocket.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("observer accept failed", "err", err)
		return
	}
	s.manager.ServeObserver(r.Context(), conn, r.URL.Query().Get("call"))
}
