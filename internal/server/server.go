// Package server accepts downstream websocket connections and routes their
// commands to per-client session mediators.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/assets"
	"github.com/optionproxy/optionproxy/internal/schema"
	"github.com/optionproxy/optionproxy/internal/session"
	"github.com/optionproxy/optionproxy/internal/upstream"
)

const (
	wsPath             = "/ws"
	healthPath         = "/healthz"
	sessionsPathPrefix = "/sessions/"
	orderStateSuffix   = "/order-state"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	downstreamLimit   = 1 << 20
)

// Server is the downstream acceptor.
type Server struct {
	cfg      config.AppConfig
	assets   *assets.Registry
	sessions *session.Registry
	logger   *log.Logger
	dialer   upstream.Dialer
	metrics  *serverMetrics
}

// New constructs the acceptor. dialer may be nil for the production
// websocket dialer.
func New(cfg config.AppConfig, registry *assets.Registry, dialer upstream.Dialer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		assets:   registry,
		sessions: session.NewRegistry(),
		logger:   logger,
		dialer:   dialer,
		metrics:  newServerMetrics(),
	}
}

// Sessions exposes the session registry for external lookups.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Handler builds the HTTP surface: the websocket endpoint, the healthcheck,
// and the per-credential order-state lookup.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.handleWS)
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(sessionsPathPrefix, s.handleSessionLookup)
	return mux
}

// Run serves until ctx is cancelled, then drains sessions and shuts down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	})

	select {
	case err := <-errCh:
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	s.sessions.Each(func(sess *session.Session) { sess.Close() })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("accept downstream: %v", err)
		return
	}
	conn.SetReadLimit(downstreamLimit)

	down := newClient(r.Context(), conn, s.metrics)
	var wg conc.WaitGroup
	wg.Go(down.pump)

	s.serveClient(down, conn)

	down.close()
	wg.Wait()
}

// serveClient is the downstream read loop: decode commands, enforce the
// one-session-per-channel rule, and route to the mediator.
func (s *Server) serveClient(down *client, conn *websocket.Conn) {
	var sess *session.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for {
		msgType, data, err := conn.Read(down.ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		cmd, err := schema.DecodeCommand(data)
		if err != nil {
			_ = down.Emit(schema.EventError, map[string]any{"message": "mensagem inválida"})
			continue
		}
		s.metrics.recordCommand(down.ctx, cmd.Event)

		if cmd.Event == schema.CmdAuthenticate {
			sess = s.authenticate(down, sess, cmd.Data)
			continue
		}

		if sess == nil {
			_ = down.Emit(schema.EventError, map[string]any{"message": "é necessário autenticar primeiro"})
			continue
		}
		if err := sess.HandleCommand(down.ctx, cmd); err != nil {
			_ = down.Emit(schema.EventError, map[string]any{"message": errs.UserMessage(err)})
		}
		if cmd.Event == schema.CmdDisconnect {
			return
		}
	}
}

// authenticate creates a fresh session for the channel, tearing down any
// prior one first.
func (s *Server) authenticate(down *client, prior *session.Session, payload json.RawMessage) *session.Session {
	var req struct {
		Credential string `json:"credential"`
		SSID       string `json:"ssid"`
		Flavor     string `json:"account_flavor"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = down.Emit(schema.EventError, map[string]any{"message": "payload de autenticação inválido"})
			return prior
		}
	}
	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		credential = strings.TrimSpace(req.SSID)
	}
	if credential == "" {
		_ = down.Emit(schema.EventError, map[string]any{"message": "credencial ausente"})
		return prior
	}

	if prior != nil {
		prior.Close()
		s.metrics.recordSessionClosed(down.ctx)
	}

	sess := session.New(down.ctx, session.Options{
		Config:     s.cfg,
		Assets:     s.assets,
		Downstream: down,
		Credential: credential,
		Flavor:     schema.AccountFlavor(strings.ToLower(strings.TrimSpace(req.Flavor))),
		Dialer:     s.dialer,
		Logger:     s.logger,
		OnClosed:   func(closed *session.Session) { s.sessions.Delete(closed.ID()) },
	})
	// Register before starting: a session that dies immediately must find its
	// registry entry when OnClosed runs.
	s.sessions.Insert(sess)
	sess.Start()
	s.metrics.recordSessionOpened(down.ctx)
	return sess
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleSessionLookup serves GET /sessions/{credential}/order-state with the
// order construction inputs cached on the session.
func (s *Server) handleSessionLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, sessionsPathPrefix)
	credential, ok := strings.CutSuffix(rest, orderStateSuffix)
	if !ok || credential == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess, found := s.sessions.LookupByCredential(credential)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "session not found"})
		return
	}
	ready, balanceID, active := sess.OrderState()
	writeJSON(w, http.StatusOK, map[string]any{
		"upstream_ready":  ready,
		"user_balance_id": balanceID,
		"current_active":  active,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}
