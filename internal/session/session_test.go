package session

import (
	"context"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/assets"
	"github.com/optionproxy/optionproxy/internal/schema"
	"github.com/optionproxy/optionproxy/internal/upstream"
)

// stubConn is an in-memory upstream transport scripted by the test.
type stubConn struct {
	incoming  chan []byte
	writes    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{
		incoming: make(chan []byte, 64),
		writes:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *stubConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, net.ErrClosed
	case data := <-c.incoming:
		return data, nil
	}
}

func (c *stubConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	case c.writes <- data:
		return nil
	}
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *stubConn) push(t *testing.T, raw string) {
	t.Helper()
	select {
	case c.incoming <- []byte(raw):
	case <-time.After(time.Second):
		t.Fatal("upstream inbound queue stalled")
	}
}

func (c *stubConn) nextWrite(t *testing.T) schema.Frame {
	t.Helper()
	select {
	case data := <-c.writes:
		frame, err := schema.DecodeFrame(data)
		require.NoError(t, err)
		return frame
	case <-time.After(time.Second):
		t.Fatal("no upstream frame written")
		return schema.Frame{}
	}
}

func (c *stubConn) noWriteFor(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.writes:
		t.Fatalf("unexpected upstream write: %s", data)
	case <-time.After(d):
	}
}

type emitted struct {
	event string
	data  string
}

// downRec records downstream emissions in arrival order.
type downRec struct {
	mu     sync.Mutex
	events []emitted
}

func (d *downRec) ID() string { return "downstream-test" }

func (d *downRec) Emit(event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.events = append(d.events, emitted{event: event, data: string(encoded)})
	d.mu.Unlock()
	return nil
}

func (d *downRec) snapshot() []emitted {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]emitted, len(d.events))
	copy(out, d.events)
	return out
}

func (d *downRec) count(event string) int {
	n := 0
	for _, e := range d.snapshot() {
		if e.event == event {
			n++
		}
	}
	return n
}

func (d *downRec) last(event string) (string, bool) {
	var data string
	found := false
	for _, e := range d.snapshot() {
		if e.event == event {
			data = e.data
			found = true
		}
	}
	return data, found
}

func (d *downRec) waitFor(t *testing.T, event string) string {
	t.Helper()
	var data string
	require.Eventually(t, func() bool {
		got, ok := d.last(event)
		data = got
		return ok
	}, time.Second, time.Millisecond, "event %s never emitted", event)
	return data
}

func testAppConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Upstream.PingInterval = config.Duration(time.Hour)
	cfg.Upstream.ReconnectWait = config.Duration(time.Millisecond)
	cfg.Upstream.MaxReconnects = 1
	cfg.Aggregator.FlushDelay = config.Duration(time.Millisecond)
	return cfg
}

func newTestSession(t *testing.T) (*Session, *stubConn, *downRec, chan struct{}) {
	t.Helper()
	cfg := testAppConfig()
	conn := newStubConn()
	down := &downRec{}
	closed := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(ctx, Options{
		Config:     cfg,
		Assets:     assets.NewRegistry(cfg.Assets),
		Downstream: down,
		Credential: "cred-" + t.Name(),
		Flavor:     schema.FlavorReal,
		Dialer: func(context.Context, string) (upstream.Conn, error) {
			return conn, nil
		},
		Logger:   log.New(logWriter{t}, "", 0),
		OnClosed: func(*Session) { close(closed) },
	})
	s.Start()
	t.Cleanup(s.Close)
	return s, conn, down, closed
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// authenticateUpstream completes the handshake and returns the startup burst
// frames in write order.
func authenticateUpstream(t *testing.T, s *Session, conn *stubConn) []schema.Frame {
	t.Helper()
	auth := conn.nextWrite(t)
	require.Equal(t, schema.CmdAuthenticate, auth.Name)

	conn.push(t, `{"name":"authenticated","msg":true}`)
	require.Eventually(t, s.Ready, time.Second, time.Millisecond)

	burst := make([]schema.Frame, 0, 5)
	for i := 0; i < 5; i++ {
		burst = append(burst, conn.nextWrite(t))
	}
	return burst
}

func TestHandshakeStartupBurst(t *testing.T) {
	s, conn, _, _ := newTestSession(t)
	burst := authenticateUpstream(t, s, conn)

	names := make([]string, len(burst))
	for i, f := range burst {
		names[i] = f.Name
	}
	require.Equal(t, []string{
		schema.EventGetBalances,
		schema.EventSubscribePositions,
		schema.EventGetActives,
		schema.EventSubscribeCandles,
		schema.EventSendMessage,
	}, names)

	var positions struct {
		Frequency string `json:"frequency"`
	}
	require.NoError(t, json.Unmarshal(burst[1].Msg, &positions))
	require.Equal(t, "frequent", positions.Frequency)

	var candles struct {
		ActiveID int    `json:"active_id"`
		Size     int    `json:"size"`
		At       string `json:"at"`
	}
	require.NoError(t, json.Unmarshal(burst[3].Msg, &candles))
	require.Equal(t, 76, candles.ActiveID)
	require.Equal(t, 60, candles.Size)
	require.Equal(t, "1m", candles.At)

	var wrapped struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(burst[4].Msg, &wrapped))
	require.Equal(t, schema.EventSubscribeCandles, wrapped.Name)
}

func TestSubscribeActiveSwitchesAsset(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdSubscribeActive,
		Data:  json.RawMessage(`"GBPUSD-OTC"`),
	}))

	unsub := conn.nextWrite(t)
	require.Equal(t, schema.EventUnsubscribeCandles, unsub.Name)
	var old struct {
		ActiveID int `json:"active_id"`
	}
	require.NoError(t, json.Unmarshal(unsub.Msg, &old))
	require.Equal(t, 76, old.ActiveID)

	sub := conn.nextWrite(t)
	require.Equal(t, schema.EventSubscribeCandles, sub.Name)
	var next struct {
		ActiveID int `json:"active_id"`
	}
	require.NoError(t, json.Unmarshal(sub.Msg, &next))
	require.Equal(t, 81, next.ActiveID)
	require.Equal(t, schema.EventSendMessage, conn.nextWrite(t).Name)

	data := down.waitFor(t, schema.EventSubscribedActive)
	var ack []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ack))
	require.Len(t, ack, 1)
	require.Equal(t, "GBPUSD-OTC", ack[0].Name)
	require.Equal(t, 81, ack[0].ID)
}

func TestSubscribeActiveSameAssetSkipsUnsubscribe(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdSubscribeActive,
		Data:  json.RawMessage(`"EURUSD-OTC"`),
	}))

	require.Equal(t, schema.EventSubscribeCandles, conn.nextWrite(t).Name)
	require.Equal(t, schema.EventSendMessage, conn.nextWrite(t).Name)
	down.waitFor(t, schema.EventSubscribedActive)
}

func TestSubscribeActiveUnknownAsset(t *testing.T) {
	s, conn, _, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	err := s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdSubscribeActive,
		Data:  json.RawMessage(`"ZZZ-OTC"`),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeUnknownAsset, errs.CodeOf(err))
	require.Equal(t, "Ativo desconhecido: ZZZ-OTC", errs.UserMessage(err))

	conn.noWriteFor(t, 50*time.Millisecond)
}

func pushBalance(t *testing.T, conn *stubConn, down *downRec) {
	t.Helper()
	conn.push(t, `{"name":"balances","msg":[{"currency":"USD","amount":98695.57,"id":"bal-9","type":1}]}`)
	down.waitFor(t, schema.EventBalance)
}

func TestOpenPositionConfirmed(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)
	pushBalance(t, conn, down)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdOpenPosition,
		Data:  json.RawMessage(`{"direction":"call","stake":1.5,"timeframe":"M1"}`),
	}))

	sentData := down.waitFor(t, schema.EventOrderSent)
	var sent struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sentData), &sent))
	require.NotEmpty(t, sent.RequestID)

	frame := conn.nextWrite(t)
	require.Equal(t, schema.EventSendMessage, frame.Name)
	require.Equal(t, sent.RequestID, frame.RequestID.String())
	require.NotZero(t, frame.LocalTime)

	var inner struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Body    struct {
			UserBalanceID schema.FlexID `json:"user_balance_id"`
			ActiveID      int           `json:"active_id"`
			OptionTypeID  int           `json:"option_type_id"`
			Value         int64         `json:"value"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(frame.Msg, &inner))
	require.Equal(t, schema.EventOpenOption, inner.Name)
	require.Equal(t, "2.0", inner.Version)
	require.Equal(t, schema.FlexID("bal-9"), inner.Body.UserBalanceID)
	require.Equal(t, 76, inner.Body.ActiveID)
	require.Equal(t, 3, inner.Body.OptionTypeID)
	require.Equal(t, int64(150), inner.Body.Value)

	conn.push(t, `{"name":"result","request_id":"`+sent.RequestID+`","msg":{"success":true}}`)

	confirmData := down.waitFor(t, schema.EventOrderConfirmed)
	var confirmed struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(confirmData), &confirmed))
	require.Equal(t, sent.RequestID, confirmed.RequestID)
}

func TestOpenPositionRejectedByUpstream(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)
	pushBalance(t, conn, down)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdOpenPosition,
		Data:  json.RawMessage(`{"direction":"put","stake":2,"timeframe":"M5"}`),
	}))

	sentData := down.waitFor(t, schema.EventOrderSent)
	var sent struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sentData), &sent))
	_ = conn.nextWrite(t)

	conn.push(t, `{"name":"result","request_id":"`+sent.RequestID+`","msg":{"success":false,"reason":"saldo insuficiente"}}`)
	down.waitFor(t, schema.EventOrderError)
}

func TestOpenPositionBeforeReady(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	err := s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdOpenPosition,
		Data:  json.RawMessage(`{"direction":"call","stake":1}`),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeNotReady, errs.CodeOf(err))
}

func TestOpenPositionWithoutBalance(t *testing.T) {
	s, conn, _, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	err := s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdOpenPosition,
		Data:  json.RawMessage(`{"direction":"call","stake":1}`),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeBadOrder, errs.CodeOf(err))
}

func TestGetBalanceEmitsIdenticalTrio(t *testing.T) {
	s, _, down, _ := newTestSession(t)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdGetBalance,
	}))

	events := down.snapshot()
	require.Len(t, events, 3)
	require.Equal(t, schema.EventBalance, events[0].event)
	require.Equal(t, schema.EventBalanceChanged, events[1].event)
	require.Equal(t, schema.EventCurrentBalance, events[2].event)
	require.Equal(t, events[0].data, events[1].data)
	require.Equal(t, events[0].data, events[2].data)

	var payload schema.BalancePayload
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &payload))
}

func TestBalanceFrameCachesAndFansOut(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)
	pushBalance(t, conn, down)

	require.Eventually(t, func() bool {
		return down.count(schema.EventBalanceChanged) == 1 &&
			down.count(schema.EventCurrentBalance) == 1
	}, time.Second, time.Millisecond)

	data, _ := down.last(schema.EventBalance)
	var payload schema.BalancePayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	require.Equal(t, schema.FlexID("bal-9"), payload.Msg.CurrentBalance.ID)
	require.Equal(t, int64(9869557), payload.Msg.CurrentBalance.Amount)

	_, balanceID, _ := s.OrderState()
	require.Equal(t, schema.FlexID("bal-9"), balanceID)
}

func TestCandleFramesNormalized(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	conn.push(t, `{"name":"candle-generated","msg":{"open":1.1,"close":1.2,"max":1.3,"min":1.05,"from":1700000040,"to":1700000100,"size":60,"volume":12}}`)

	data := down.waitFor(t, schema.EventCandles)
	var candle schema.Candle
	require.NoError(t, json.Unmarshal([]byte(data), &candle))
	require.Equal(t, 1.3, candle.High)
	require.Equal(t, 1.05, candle.Low)
	require.Equal(t, int64(60), candle.Timeframe)
}

func TestPositionChangedMirrorsTerminalResult(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	conn.push(t, `{"name":"position-changed","msg":{"id":7,"status":"open"}}`)
	down.waitFor(t, schema.EventPositionChanged)
	require.Zero(t, down.count(schema.EventOrderResult))

	conn.push(t, `{"name":"position-changed","msg":{"id":7,"status":"win"}}`)
	down.waitFor(t, schema.EventOrderResult)
}

func TestUnrecognisedFramesForwardedVerbatim(t *testing.T) {
	s, conn, down, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	conn.push(t, `{"name":"instruments","msg":{"list":[1,2,3]}}`)

	data := down.waitFor(t, "instruments")
	require.JSONEq(t, `{"list":[1,2,3]}`, data)
}

func TestPassthroughUnwrapsEnvelope(t *testing.T) {
	s, conn, _, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdSendMessage,
		Data:  json.RawMessage(`{"msg":{"name":"portfolio.get-positions","msg":{}}}`),
	}))

	frame := conn.nextWrite(t)
	require.Equal(t, "portfolio.get-positions", frame.Name)
}

func TestPassthroughForwardsBareFrame(t *testing.T) {
	s, conn, _, _ := newTestSession(t)
	authenticateUpstream(t, s, conn)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdSendMessage,
		Data:  json.RawMessage(`{"name":"core.get-profile","msg":{}}`),
	}))

	frame := conn.nextWrite(t)
	require.Equal(t, "core.get-profile", frame.Name)
}

func TestUnauthorizedTearsSessionDown(t *testing.T) {
	s, conn, down, closed := newTestSession(t)

	auth := conn.nextWrite(t)
	require.Equal(t, schema.CmdAuthenticate, auth.Name)
	conn.push(t, `{"name":"unauthorized"}`)

	down.waitFor(t, schema.EventUnauthorized)
	errData := down.waitFor(t, schema.EventError)
	require.Contains(t, errData, "credencial")
	down.waitFor(t, schema.EventDisconnected)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session never released")
	}
	require.False(t, s.Ready())
}

func TestCloseEmitsDisconnectedOnGracefulDrain(t *testing.T) {
	s, conn, down, closed := newTestSession(t)
	authenticateUpstream(t, s, conn)

	s.Close()

	down.waitFor(t, schema.EventDisconnected)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session never released")
	}
	require.Zero(t, down.count(schema.EventError))

	// Closing again must not repeat the farewell.
	s.Close()
	require.Equal(t, 1, down.count(schema.EventDisconnected))
}

func TestDisconnectCommandCloses(t *testing.T) {
	s, conn, _, closed := newTestSession(t)
	authenticateUpstream(t, s, conn)

	require.NoError(t, s.HandleCommand(context.Background(), schema.Command{
		Event: schema.CmdDisconnect,
	}))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session never released")
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	err := s.HandleCommand(context.Background(), schema.Command{Event: "rewind-time"})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}
