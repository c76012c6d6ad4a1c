// Package upstream owns the per-session upstream WebSocket: credentialled
// handshake, keep-alive, frame parsing, dispatch, and bounded reconnection.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/schema"
)

const (
	writeTimeout = 5 * time.Second
	// Outbound frame pacing: the upstream tolerates bursts but throttles
	// sustained writers, so outbound frames share a token bucket.
	outboundRate  = 20
	outboundBurst = 10
	protocolVer   = 3
)

var errAuthRejected = errors.New("upstream rejected credential")

// Handler receives link callbacks. Calls arrive from the link's own
// goroutine, in upstream arrival order.
type Handler interface {
	// HandleFrame is invoked for every frame that survives the keep-alive
	// filter, including authenticated and unauthorized.
	HandleFrame(ctx context.Context, frame schema.Frame)
	// LinkReady fires after the authenticated frame has been dispatched.
	LinkReady(ctx context.Context)
	// LinkClosed fires exactly once when the link is terminally done.
	// err is nil on requested shutdown.
	LinkClosed(err error)
}

// Link maintains one authenticated upstream WebSocket session.
type Link struct {
	url     string
	ssid    string
	cfg     config.UpstreamConfig
	dialer  Dialer
	handler Handler
	logger  *log.Logger
	metrics *linkMetrics

	ctx    context.Context
	cancel context.CancelFunc

	conn   Conn
	connMu sync.RWMutex

	state      atomic.Int32
	limiter    *rate.Limiter
	closedOnce sync.Once
}

// NewLink constructs a link for one session credential. Dialer may be nil to
// use the production websocket dialer.
func NewLink(ctx context.Context, cfg config.UpstreamConfig, ssid string, handler Handler, dialer Dialer, logger *log.Logger) *Link {
	if dialer == nil {
		dialer = DialWebSocket
	}
	if logger == nil {
		logger = log.Default()
	}
	linkCtx, cancel := context.WithCancel(ctx)
	l := &Link{
		url:     cfg.URL,
		ssid:    ssid,
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		metrics: newLinkMetrics(),
		ctx:     linkCtx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(outboundRate), outboundBurst),
	}
	l.state.Store(int32(StateIdle))
	return l
}

// State returns the current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// Ready reports whether the upstream confirmed authentication.
func (l *Link) Ready() bool { return l.State() == StateReady }

// Close tears the link down. Safe to call more than once.
func (l *Link) Close() {
	l.cancel()
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.connMu.Unlock()
}

// Send transmits a frame to the upstream. Fails with not_ready unless the
// link is in the Ready state.
func (l *Link) Send(ctx context.Context, frame schema.OutFrame) error {
	if !l.Ready() {
		return errs.New("upstream/send", errs.CodeNotReady,
			errs.WithMessage("upstream não está pronto"))
	}
	return l.write(ctx, frame)
}

// SendRaw transmits a pre-encoded frame to the upstream, subject to the same
// readiness check and pacing as Send.
func (l *Link) SendRaw(ctx context.Context, data []byte) error {
	if !l.Ready() {
		return errs.New("upstream/send", errs.CodeNotReady,
			errs.WithMessage("upstream não está pronto"))
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace outbound frame: %w", err)
	}

	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return errs.New("upstream/send", errs.CodeNotReady,
			errs.WithMessage("upstream não está conectado"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("write raw frame: %w", err)
	}
	l.metrics.recordFrameOut(ctx, "raw")
	return nil
}

// write transmits regardless of state; used internally for the handshake and
// keep-alive frames.
func (l *Link) write(ctx context.Context, frame schema.OutFrame) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace outbound frame: %w", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Name, err)
	}

	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return errs.New("upstream/send", errs.CodeNotReady,
			errs.WithMessage("upstream não está conectado"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Name, err)
	}
	l.metrics.recordFrameOut(ctx, frame.Name)
	return nil
}

// Run drives the connect/authenticate/read loop until terminal closure.
// Reconnects are bounded: at most MaxReconnects attempts with a constant
// delay between them, counted since the last successful authentication.
func (l *Link) Run() {
	bo := backoff.NewConstantBackOff(l.cfg.ReconnectWait.Std())
	attempts := 0

	finish := func(err error) {
		l.state.Store(int32(StateClosed))
		l.connMu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
			l.conn = nil
		}
		l.connMu.Unlock()
		l.closedOnce.Do(func() {
			if l.handler != nil {
				l.handler.LinkClosed(err)
			}
		})
	}

	for {
		select {
		case <-l.ctx.Done():
			finish(nil)
			return
		default:
		}

		l.state.Store(int32(StateConnecting))
		conn, err := l.dialer(l.ctx, l.url)
		if err != nil {
			if l.ctx.Err() != nil {
				finish(nil)
				return
			}
			l.metrics.recordReconnect(l.ctx, "dial_error")
			l.logger.Printf("upstream dial %s: %v", l.url, err)
			attempts++
			if attempts > l.cfg.MaxReconnects {
				finish(errs.New("upstream/link", errs.CodeUpstreamLost,
					errs.WithMessage("conexão com o upstream perdida"), errs.WithCause(err)))
				return
			}
			if !l.sleep(bo.NextBackOff()) {
				finish(nil)
				return
			}
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		l.metrics.recordReconnect(l.ctx, "connected")

		l.state.Store(int32(StateAuthenticating))
		auth := schema.NewFrame(schema.CmdAuthenticate, map[string]any{
			"ssid":              l.ssid,
			"protocol":          protocolVer,
			"client_session_id": "",
		})
		if err := l.write(l.ctx, auth); err != nil {
			l.logger.Printf("upstream authenticate write: %v", err)
		}

		sessionErr := l.runSession(conn, &attempts)

		l.connMu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.connMu.Unlock()
		_ = conn.Close()

		switch {
		case errors.Is(sessionErr, errAuthRejected):
			finish(errs.New("upstream/link", errs.CodeAuthRejected,
				errs.WithMessage("credencial rejeitada pelo upstream")))
			return
		case l.ctx.Err() != nil:
			finish(nil)
			return
		}

		l.state.Store(int32(StateDegraded))
		l.metrics.recordReconnect(l.ctx, "degraded")
		if sessionErr != nil {
			l.logger.Printf("upstream session ended: %v", sessionErr)
		}
		attempts++
		if attempts > l.cfg.MaxReconnects {
			finish(errs.New("upstream/link", errs.CodeUpstreamLost,
				errs.WithMessage("conexão com o upstream perdida"), errs.WithCause(sessionErr)))
			return
		}
		if !l.sleep(bo.NextBackOff()) {
			finish(nil)
			return
		}
	}
}

// runSession coordinates the per-connection read and keep-alive loops.
func (l *Link) runSession(conn Conn, attempts *int) error {
	connCtx, connCancel := context.WithCancel(l.ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		errCh <- l.readLoop(connCtx, conn, attempts)
		connCancel()
	})
	wg.Go(func() {
		errCh <- l.pingLoop(connCtx)
		connCancel()
	})

	firstErr := <-errCh
	connCancel()
	wg.Wait()

	// Prefer a concrete transport error over the cancellation of the peer loop.
	second := <-errCh
	if firstErr == nil || errors.Is(firstErr, context.Canceled) {
		if second != nil && !errors.Is(second, context.Canceled) {
			return second
		}
	}
	return firstErr
}

func (l *Link) readLoop(ctx context.Context, conn Conn, attempts *int) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return classifyReadError(err)
		}
		l.metrics.recordFrameIn(ctx, len(data))

		frame, err := schema.DecodeFrame(data)
		if err != nil {
			// Per-frame parse failures are logged and dropped; they never
			// terminate the session.
			l.logger.Printf("upstream frame parse: %v", err)
			continue
		}

		switch frame.Name {
		case schema.EventPing:
			if err := l.write(ctx, schema.NewFrame(schema.EventPong, nil)); err != nil {
				l.logger.Printf("upstream pong reply: %v", err)
			}
			continue
		case schema.EventPong, schema.EventTimeSync:
			continue
		case schema.EventAuthenticated:
			l.state.Store(int32(StateReady))
			*attempts = 0
			l.dispatch(ctx, frame)
			if l.handler != nil {
				l.handler.LinkReady(ctx)
			}
			continue
		case schema.EventUnauthorized:
			l.dispatch(ctx, frame)
			return errAuthRejected
		}

		l.dispatch(ctx, frame)
	}
}

func (l *Link) dispatch(ctx context.Context, frame schema.Frame) {
	if l.handler != nil {
		l.handler.HandleFrame(ctx, frame)
	}
}

// pingLoop emits a protocol-level ping frame while the link is Ready.
func (l *Link) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PingInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !l.Ready() {
				continue
			}
			if err := l.write(ctx, schema.NewFrame(schema.EventPing, nil)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("keep-alive ping: %w", err)
			}
			l.metrics.recordPing(ctx)
		}
	}
}

func (l *Link) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return context.Canceled
	}
	if errors.Is(err, net.ErrClosed) {
		return context.Canceled
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure {
			return context.Canceled
		}
		return fmt.Errorf("read: remote closed with status %d", status)
	}
	return fmt.Errorf("read: %w", err)
}
