package signal

import (
	"encoding/json"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/gorilla/websocket"
)

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.logger.Info().Msg("writePump closed")
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	pongWait := c.opts.PingPeriod * 10 / 9
	defer func() {
		c.logger.Info().Msg("readPump closing")
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		var msg core.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		if msg.Type == "" {
			c.logger.Warn().Msg("signal without type")
			continue
		}
		if msg.Type == core.SignalOffer && !c.limiter.Allow(msg.From) {
			c.logger.Warn().Str("from", string(msg.From)).Msg("offer rate limited")
			continue
		}
		if msg.Type == core.SignalMemberLeft {
			c.limiter.Forget(msg.Peer)
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}
