package schema

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"name":" balances ","msg":[{"id":1}],"request_id":17,"local_time":99}`))
	require.NoError(t, err)
	require.Equal(t, "balances", frame.Name)
	require.Equal(t, FlexID("17"), frame.RequestID)
	require.Equal(t, int64(99), frame.LocalTime)
	require.JSONEq(t, `[{"id":1}]`, string(frame.Msg))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"name":`))
	require.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"event":"subscribe-active","data":"EURUSD-OTC"}`))
	require.NoError(t, err)
	require.Equal(t, CmdSubscribeActive, cmd.Event)
	require.Equal(t, `"EURUSD-OTC"`, string(cmd.Data))
}

func TestWrapSendMessage(t *testing.T) {
	inner := NewFrame(EventSubscribeCandles, map[string]any{"active_id": 76})
	data, err := json.Marshal(WrapSendMessage(inner))
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, EventSendMessage, frame.Name)

	nested, err := DecodeFrame(frame.Msg)
	require.NoError(t, err)
	require.Equal(t, EventSubscribeCandles, nested.Name)
}

func TestOutFrameVersionedBody(t *testing.T) {
	frame := OutFrame{
		Name:    EventOpenOption,
		Version: "2.0",
		Body:    map[string]any{"value": 150},
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.Contains(t, string(data), `"body"`)
	require.NotContains(t, string(data), `"msg"`)
}

func TestFlexIDRoundTrip(t *testing.T) {
	cases := []struct {
		in      string
		want    FlexID
		reemits string
	}{
		{`"abc-1"`, FlexID("abc-1"), `"abc-1"`},
		{`42`, FlexID("42"), `42`},
		{`"42"`, FlexID("42"), `42`},
		{`null`, FlexID(""), `""`},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var id FlexID
			require.NoError(t, json.Unmarshal([]byte(tc.in), &id))
			require.Equal(t, tc.want, id)

			out, err := json.Marshal(id)
			require.NoError(t, err)
			require.Equal(t, tc.reemits, string(out))
		})
	}
}

func TestAccountFlavorNormalize(t *testing.T) {
	require.Equal(t, FlavorDemo, FlavorDemo.Normalize())
	require.Equal(t, FlavorReal, FlavorReal.Normalize())
	require.Equal(t, FlavorReal, AccountFlavor("").Normalize())
	require.Equal(t, FlavorReal, AccountFlavor("practice").Normalize())
}

func TestNormalizeCandleUpstreamShape(t *testing.T) {
	raw := json.RawMessage(`{"open":1.1,"close":1.2,"max":1.3,"min":1.05,"from":10,"to":70,"size":60,"volume":4}`)
	candle, err := NormalizeCandle(raw)
	require.NoError(t, err)
	require.Equal(t, 1.3, candle.High)
	require.Equal(t, 1.05, candle.Low)
	require.Equal(t, int64(60), candle.Timeframe)
	require.Equal(t, int64(10), candle.From)
	require.Equal(t, int64(70), candle.To)
}

func TestNormalizeCandleAcceptsDownstreamShape(t *testing.T) {
	raw := json.RawMessage(`{"open":1.1,"close":1.2,"high":1.3,"low":1.05,"from":10,"to":70,"timeframe":60}`)
	candle, err := NormalizeCandle(raw)
	require.NoError(t, err)
	require.Equal(t, 1.3, candle.High)
	require.Equal(t, 1.05, candle.Low)
	require.Equal(t, int64(60), candle.Timeframe)
}

func TestNormalizeCandleRoundTrips(t *testing.T) {
	raw := json.RawMessage(`{"open":1.1,"close":1.2,"max":1.3,"min":1.05,"from":10,"to":70,"size":60,"volume":4}`)
	first, err := NormalizeCandle(raw)
	require.NoError(t, err)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)
	second, err := NormalizeCandle(encoded)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestNormalizeCandleRejectsGarbage(t *testing.T) {
	_, err := NormalizeCandle(json.RawMessage(`"not a candle"`))
	require.Error(t, err)
}

func TestBalancePayloadShape(t *testing.T) {
	payload := NewBalancePayload(Balance{ID: "bal-9", Amount: 9869557, Currency: "USD"})
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":{"current_balance":{"id":"bal-9","amount":9869557,"currency":"USD"}}}`, string(data))
}
