package session

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/schema"
)

// buildHandlers assembles the upstream frame dispatch table. Frames without
// an entry are forwarded verbatim under their upstream name.
func (s *Session) buildHandlers() map[string]frameHandler {
	return map[string]frameHandler{
		schema.EventAuthenticated:    s.forwardNamed(schema.EventAuthenticated),
		schema.EventUnauthorized:     s.forwardNamed(schema.EventUnauthorized),
		schema.EventBalanceChanged:   s.onBalance,
		schema.EventBalances:         s.onBalance,
		schema.EventCandleGenerated:  s.onCandle,
		schema.EventCandlesGenerated: s.onCandle,
		schema.EventPositionsState:   s.onPositions,
		schema.EventPositionChanged:  s.onPositionChanged,
		schema.EventBuyback:          s.onBuyback,
		schema.EventBuybackSplitter:  s.onBuyback,
		schema.EventSubscription:     s.forwardNamed(schema.EventSubscription),
	}
}

// HandleFrame implements upstream.Handler. Frames carrying a pending order's
// request_id are consumed as the order outcome before table dispatch.
func (s *Session) HandleFrame(ctx context.Context, frame schema.Frame) {
	if id := frame.RequestID.String(); id != "" && s.takePending(id) {
		s.resolveOrder(id, frame)
		return
	}

	if handler, ok := s.handlers[frame.Name]; ok {
		handler(ctx, frame)
		return
	}
	_ = s.emit(frame.Name, frame.Msg)
}

// LinkReady implements upstream.Handler: the startup burst issued on every
// (re)authentication.
func (s *Session) LinkReady(ctx context.Context) {
	burst := []schema.OutFrame{
		schema.NewFrame(schema.EventGetBalances, map[string]any{}),
		schema.NewFrame(schema.EventSubscribePositions, map[string]any{"frequency": "frequent"}),
		schema.NewFrame(schema.EventGetActives, map[string]any{}),
	}
	for _, frame := range burst {
		if err := s.link.Send(ctx, frame); err != nil {
			s.logger.Printf("session %s: startup burst %s: %v", s.id, frame.Name, err)
		}
	}

	defaultID, ok := s.registry.Lookup(s.cfg.DefaultAsset)
	if !ok {
		s.logger.Printf("session %s: default asset %q not mapped", s.id, s.cfg.DefaultAsset)
		return
	}
	s.mu.Lock()
	if s.currentActive == 0 {
		s.currentActive = defaultID
		s.currentName = s.cfg.DefaultAsset
	}
	subscribed := s.currentActive
	s.mu.Unlock()
	if err := s.sendCandleSubscribe(ctx, subscribed); err != nil {
		s.logger.Printf("session %s: default candle subscribe: %v", s.id, err)
	}
}

// LinkClosed implements upstream.Handler. A non-nil error is terminal for the
// whole session: surface it and tear down. Close emits the final
// disconnected event on every path.
func (s *Session) LinkClosed(err error) {
	if err != nil {
		_ = s.emit(schema.EventError, map[string]any{"message": errs.UserMessage(err)})
		s.logger.Printf("session %s: upstream closed: %v", s.id, err)
	}
	s.Close()
}

func (s *Session) forwardNamed(event string) frameHandler {
	return func(_ context.Context, frame schema.Frame) {
		_ = s.emit(event, frame.Msg)
	}
}

// onBalance normalizes either balance frame shape, caches the balance id for
// order construction, and hands the trio payload to the aggregator.
func (s *Session) onBalance(_ context.Context, frame schema.Frame) {
	normalized, err := s.norm.Normalize(frame.Msg)
	if err != nil {
		s.logger.Printf("session %s: balance normalize: %v", s.id, err)
		return
	}

	s.mu.Lock()
	s.balance = normalized
	s.mu.Unlock()

	payload, err := json.Marshal(schema.NewBalancePayload(normalized))
	if err != nil {
		return
	}
	s.agg.Admit(config.ClassBalance, payload)
}

func (s *Session) onCandle(_ context.Context, frame schema.Frame) {
	candle, err := schema.NormalizeCandle(frame.Msg)
	if err != nil {
		s.logger.Printf("session %s: candle normalize: %v", s.id, err)
		return
	}
	payload, err := json.Marshal(candle)
	if err != nil {
		return
	}
	s.agg.Admit(config.ClassCandles, payload)
}

func (s *Session) onPositions(_ context.Context, frame schema.Frame) {
	s.agg.Admit(config.ClassPositions, frame.Msg)
}

func (s *Session) onBuyback(_ context.Context, frame schema.Frame) {
	s.agg.Admit(config.ClassPressure, frame.Msg)
}

// onPositionChanged forwards the frame as-is and mirrors terminal outcomes as
// order-result.
func (s *Session) onPositionChanged(_ context.Context, frame schema.Frame) {
	_ = s.emit(schema.EventPositionChanged, frame.Msg)
	if positionTerminal(frame.Msg) {
		_ = s.emit(schema.EventOrderResult, frame.Msg)
	}
}

func positionTerminal(msg json.RawMessage) bool {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg, &body); err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(body.Status)) {
	case "closed", "sold", "expired", "win", "loose", "lost", "equal":
		return true
	default:
		return false
	}
}

func (s *Session) takePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	return time.Now().Before(deadline)
}

// resolveOrder classifies a correlated frame as the order outcome.
func (s *Session) resolveOrder(id string, frame schema.Frame) {
	if frameSuccess(frame) {
		_ = s.emit(schema.EventOrderConfirmed, map[string]any{
			"request_id": id,
			"raw":        frame.Msg,
		})
		return
	}
	_ = s.emit(schema.EventOrderError, map[string]any{
		"request_id": id,
		"raw":        frame.Msg,
	})
}

// frameSuccess extracts the upstream success flag: a bare boolean msg, or a
// success/isSuccessful field on the body. Absent flags count as failure.
func frameSuccess(frame schema.Frame) bool {
	trimmed := strings.TrimSpace(string(frame.Msg))
	if trimmed == "true" {
		return true
	}
	if trimmed == "" || trimmed == "false" || trimmed == "null" {
		return false
	}
	var body struct {
		Success      *bool `json:"success"`
		IsSuccessful *bool `json:"isSuccessful"`
	}
	if err := json.Unmarshal(frame.Msg, &body); err != nil {
		return false
	}
	if body.Success != nil {
		return *body.Success
	}
	if body.IsSuccessful != nil {
		return *body.IsSuccessful
	}
	return false
}
