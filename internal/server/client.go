package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/optionproxy/optionproxy/internal/schema"
)

const (
	outboundQueueSize   = 256
	downstreamWriteWait = 5 * time.Second
)

// client wraps one downstream websocket behind a buffered write pump so a
// slow reader can never stall the session's upstream processing. Overflow
// drops the message rather than blocking.
type client struct {
	id     string
	conn   *websocket.Conn
	out    chan schema.Message
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	metrics   *serverMetrics
}

func newClient(ctx context.Context, conn *websocket.Conn, metrics *serverMetrics) *client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		out:     make(chan schema.Message, outboundQueueSize),
		ctx:     clientCtx,
		cancel:  cancel,
		metrics: metrics,
	}
}

// ID identifies the downstream channel.
func (c *client) ID() string { return c.id }

// Emit implements session.Downstream. Never blocks: a full queue drops the
// message and counts the drop.
func (c *client) Emit(event string, data any) error {
	msg := schema.Message{Event: event, Data: data}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.out <- msg:
		return nil
	default:
		c.metrics.recordDrop(c.ctx, event)
		return nil
	}
}

// pump drains the outbound queue onto the websocket.
func (c *client) pump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, downstreamWriteWait)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close()
				return
			}
			c.metrics.recordEmit(c.ctx, msg.Event)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
}
