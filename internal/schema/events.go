package schema

// Downstream command names. These are part of the public protocol and must
// not change without a client migration.
const (
	CmdAuthenticate    = "authenticate"
	CmdSubscribeActive = "subscribe-active"
	CmdSendMessage     = "sendMessage"
	CmdOpenPosition    = "open-position"
	CmdGetBalance      = "get-balance"
	CmdDisconnect      = "disconnect"
)

// Downstream event names.
const (
	EventAuthenticated    = "authenticated"
	EventUnauthorized     = "unauthorized"
	EventError            = "error"
	EventDisconnected     = "disconnected"
	EventPingProxy        = "ping-proxy"
	EventSubscribedActive = "subscribed-active"
	EventBalance          = "balance"
	EventBalanceChanged   = "balance-changed"
	EventCurrentBalance   = "current-balance"
	EventCandles          = "candles"
	EventPositions        = "positions"
	EventPositionChanged  = "position-changed"
	EventOrderSent        = "order-sent"
	EventOrderConfirmed   = "order-confirmed"
	EventOrderError       = "order-error"
	EventOrderResult      = "order-result"
	EventPressure         = "pressure"
	EventSubscription     = "subscription"
)

// Upstream frame names the proxy recognises.
const (
	EventSendMessage        = "sendMessage"
	EventPing               = "ping"
	EventPong               = "pong"
	EventTimeSync           = "timeSync"
	EventBalances           = "balances"
	EventCandleGenerated    = "candle-generated"
	EventCandlesGenerated   = "candles-generated"
	EventPositionsState     = "positions-state"
	EventResult             = "result"
	EventBuyback            = "client-buyback-generated"
	EventBuybackSplitter    = "price-splitter.client-buyback-generated"
	EventSubscribeCandles   = "subscribe-candles"
	EventUnsubscribeCandles = "unsubscribe-candles"
	EventGetBalances        = "balances.get-balances"
	EventSubscribePositions = "subscribe-positions"
	EventGetActives         = "actives.get-all"
	EventOpenOption         = "binary-options.open-option"
)
