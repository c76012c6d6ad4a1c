// Package session binds one downstream channel to one upstream link and
// applies the translation policies between them.
package session

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/aggregator"
	"github.com/optionproxy/optionproxy/internal/assets"
	"github.com/optionproxy/optionproxy/internal/balance"
	"github.com/optionproxy/optionproxy/internal/order"
	"github.com/optionproxy/optionproxy/internal/schema"
	"github.com/optionproxy/optionproxy/internal/upstream"
)

const (
	heartbeatInterval = 15 * time.Second
	pendingOrderTTL   = 12 * time.Second
	janitorInterval   = time.Second
	candleCount       = 60
	candleTimeframe   = "1m"
)

// Downstream is the session's view of the client channel.
type Downstream interface {
	// Emit queues one named event for the client. Implementations must not
	// block the caller indefinitely.
	Emit(event string, data any) error
	ID() string
}

type frameHandler func(ctx context.Context, frame schema.Frame)

// Session is the per-client mediator. All mutable state is confined to the
// session and touched only under its mutex.
type Session struct {
	id         string
	credential string
	flavor     schema.AccountFlavor
	createdAt  time.Time

	cfg      config.AppConfig
	registry *assets.Registry
	builder  *order.Builder
	norm     *balance.Normalizer
	agg      *aggregator.Aggregator
	link     *upstream.Link
	down     Downstream
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  conc.WaitGroup

	mu            sync.Mutex
	balance       schema.Balance
	currentActive int
	currentName   string
	pending       map[string]time.Time

	handlers  map[string]frameHandler
	closeOnce sync.Once
	onClosed  func(*Session)
}

// Options carries the collaborators a session needs.
type Options struct {
	Config     config.AppConfig
	Assets     *assets.Registry
	Downstream Downstream
	Credential string
	Flavor     schema.AccountFlavor
	Dialer     upstream.Dialer
	Logger     *log.Logger
	// OnClosed fires once after terminal teardown, for registry eviction.
	OnClosed func(*Session)
}

// New creates the session without starting it, so callers can register it
// wherever it must be discoverable before any teardown callback can fire.
func New(ctx context.Context, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         uuid.NewString(),
		credential: opts.Credential,
		flavor:     opts.Flavor.Normalize(),
		createdAt:  time.Now(),
		cfg:        opts.Config,
		registry:   opts.Assets,
		builder:    order.NewBuilder(opts.Assets),
		norm:       balance.NewNormalizer(opts.Flavor, logger),
		down:       opts.Downstream,
		logger:     logger,
		ctx:        sessCtx,
		cancel:     cancel,
		pending:    make(map[string]time.Time),
		onClosed:   opts.OnClosed,
	}
	s.agg = aggregator.New(opts.Config.Aggregator, s.emitRaw)
	s.link = upstream.NewLink(sessCtx, opts.Config.Upstream, opts.Credential, s, opts.Dialer, logger)
	s.handlers = s.buildHandlers()
	return s
}

// Start launches the upstream link, heartbeat, and correlation janitor.
func (s *Session) Start() {
	s.tasks.Go(s.link.Run)
	s.tasks.Go(s.heartbeatLoop)
	s.tasks.Go(s.janitorLoop)
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Credential returns the client-supplied upstream token.
func (s *Session) Credential() string { return s.credential }

// Ready reports whether the upstream link is authenticated.
func (s *Session) Ready() bool { return s.link.Ready() }

// OrderState exposes the lookup contract used by the HTTP order endpoint.
func (s *Session) OrderState() (ready bool, balanceID schema.FlexID, currentActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.Ready(), s.balance.ID, s.currentActive
}

// Close tears the session down: timers cancelled, aggregator cleared,
// upstream closed, caches evicted. The downstream always sees a final
// disconnected event, on graceful drain as much as on failure. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.emit(schema.EventDisconnected, nil)
		s.cancel()
		s.agg.Clear()
		s.link.Close()
		s.mu.Lock()
		s.balance = schema.Balance{}
		s.pending = make(map[string]time.Time)
		s.mu.Unlock()
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

// HandleCommand routes one downstream command. Returned errors are surfaced
// to the client by the acceptor.
func (s *Session) HandleCommand(ctx context.Context, cmd schema.Command) error {
	switch cmd.Event {
	case schema.CmdSubscribeActive:
		return s.subscribeActive(ctx, cmd.Data)
	case schema.CmdSendMessage:
		return s.passthrough(ctx, cmd.Data)
	case schema.CmdOpenPosition:
		return s.openPosition(ctx, cmd.Data)
	case schema.CmdGetBalance:
		s.emitBalanceTrio()
		return nil
	case schema.CmdDisconnect:
		s.Close()
		return nil
	default:
		return errs.New("session/command", errs.CodeInvalid,
			errs.WithMessage("comando desconhecido: "+cmd.Event))
	}
}

// subscribeActive resolves the asset, swaps the candle subscription, and
// acknowledges with subscribed-active.
func (s *Session) subscribeActive(ctx context.Context, payload json.RawMessage) error {
	id, name, err := s.registry.Resolve(payload)
	if err != nil {
		return err
	}
	if name == "" {
		name = strconv.Itoa(id)
	}

	s.mu.Lock()
	previous := s.currentActive
	s.currentActive = id
	s.currentName = name
	s.mu.Unlock()

	if previous != 0 && previous != id {
		unsub := schema.NewFrame(schema.EventUnsubscribeCandles, map[string]any{"active_id": previous})
		if err := s.link.Send(ctx, unsub); err != nil {
			return err
		}
	}
	if err := s.sendCandleSubscribe(ctx, id); err != nil {
		return err
	}

	return s.emit(schema.EventSubscribedActive, []map[string]any{{"name": name, "id": id}})
}

// sendCandleSubscribe transmits both the direct and the sendMessage-wrapped
// subscribe forms; the upstream ignores whichever variant it does not accept.
func (s *Session) sendCandleSubscribe(ctx context.Context, activeID int) error {
	body := map[string]any{"active_id": activeID, "size": candleCount, "at": candleTimeframe}
	direct := schema.NewFrame(schema.EventSubscribeCandles, body)
	if err := s.link.Send(ctx, direct); err != nil {
		return err
	}
	if err := s.link.Send(ctx, schema.WrapSendMessage(direct)); err != nil {
		return err
	}
	return nil
}

// passthrough forwards a raw client envelope to the upstream: the msg field
// when present, the envelope itself otherwise.
func (s *Session) passthrough(ctx context.Context, payload json.RawMessage) error {
	var wrapper struct {
		Msg json.RawMessage `json:"msg"`
	}
	forward := payload
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Msg) > 0 && string(wrapper.Msg) != "null" {
		forward = wrapper.Msg
	}
	return s.link.SendRaw(ctx, forward)
}

// openPosition builds the order envelope, announces it downstream, registers
// the correlation id, and transmits the open-option frame.
func (s *Session) openPosition(ctx context.Context, payload json.RawMessage) error {
	var req order.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errs.New("session/order", errs.CodeInvalid,
			errs.WithMessage("pedido de ordem inválido"), errs.WithCause(err))
	}

	if !s.link.Ready() {
		return errs.New("session/order", errs.CodeNotReady,
			errs.WithMessage("upstream não está pronto"))
	}

	s.mu.Lock()
	balanceID := s.balance.ID
	currentActive := s.currentActive
	s.mu.Unlock()

	built, err := s.builder.Build(req, balanceID, currentActive)
	if err != nil {
		return err
	}

	if err := s.emit(schema.EventOrderSent, map[string]any{
		"request_id": built.RequestID,
		"envelope":   built.Envelope,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[built.RequestID] = time.Now().Add(pendingOrderTTL)
	s.mu.Unlock()

	frame := schema.OutFrame{
		Name:      schema.EventSendMessage,
		RequestID: built.RequestID,
		LocalTime: built.LocalTime,
		Msg: schema.OutFrame{
			Name:    schema.EventOpenOption,
			Version: "2.0",
			Body:    built.Envelope,
		},
	}
	if err := s.link.Send(ctx, frame); err != nil {
		s.mu.Lock()
		delete(s.pending, built.RequestID)
		s.mu.Unlock()
		_ = s.emit(schema.EventOrderError, map[string]any{
			"request_id": built.RequestID,
			"message":    errs.UserMessage(err),
		})
		return err
	}
	return nil
}

func (s *Session) emitBalanceTrio() {
	s.mu.Lock()
	payload := schema.NewBalancePayload(s.balance)
	s.mu.Unlock()
	_ = s.emit(schema.EventBalance, payload)
	_ = s.emit(schema.EventBalanceChanged, payload)
	_ = s.emit(schema.EventCurrentBalance, payload)
}

func (s *Session) emit(event string, data any) error {
	if s.down == nil {
		return nil
	}
	return s.down.Emit(event, data)
}

// emitRaw adapts the aggregator flush callback onto the downstream channel.
func (s *Session) emitRaw(event string, payload json.RawMessage) {
	_ = s.emit(event, payload)
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.emit(schema.EventPingProxy, map[string]any{"t": time.Now().UnixMilli()})
		}
	}
}

// janitorLoop expires order correlations past their deadline.
func (s *Session) janitorLoop() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, deadline := range s.pending {
				if now.After(deadline) {
					delete(s.pending, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
