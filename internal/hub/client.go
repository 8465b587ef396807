package hub

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

// writePump owns all writes to the connection. It exits when the send
// channel is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per message: clients parse each frame as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames and hands them to the dispatcher. A bad
// frame is logged and skipped; the connection stays open.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(PongWait))

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.hub.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed client message")
			continue
		}
		if c.hub.opts.OnMessage != nil {
			c.hub.opts.OnMessage(msg)
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() { c.conn.Close() })
}
