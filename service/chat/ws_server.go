package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"TeamChat/logger"
	"TeamChat/tools/ids"
	"TeamChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the socket and runs the read loop until the peer
// goes away. Writing is owned by a single pump goroutine; the read
// loop never touches the socket for output.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	client := NewClient(ids.GenerateString(), ws, s.conf.SendQueueSize)
	s.reg.Add(client)
	ws.SetReadLimit(s.conf.MaxMessageSize)

	pumpDone := make(chan struct{})
	safe.Go(func() { s.writePump(client, pumpDone) })

	client.Enqueue(BuildConnAck(client.ConnID, s.conf.NodeID))

	// Unauthenticated sockets get a bounded window to send auth.
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.AuthDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.ReadWait))
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[gateway] peer closed conn=%s", client.ConnID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[gateway] read timeout conn=%s user=%s", client.ConnID, client.UserID())
			} else {
				logger.Infof("[gateway] read error conn=%s: %v", client.ConnID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			logger.Warnf("[gateway] bad frame conn=%s: %v", client.ConnID, perr)
			client.Enqueue(BuildError("", 400, "malformed frame"))
			continue
		}

		if err := s.disp.Dispatch(&ChatContext{S: s}, frame, client); err != nil {
			logger.Warnf("[gateway] dispatch %s failed conn=%s: %v", frame.Type, client.ConnID, err)
			continue
		}
		if client.Authed() {
			// authed sockets live until their heartbeats lapse
			_ = ws.SetReadDeadline(time.Now().Add(s.conf.ReadWait))
		}

		select {
		case <-client.Closed():
		default:
			continue
		}
		break
	}

	s.teardown(client)
	<-pumpDone
}

// writePump is the only goroutine allowed to write the socket. It
// also drives the protocol-level ping.
func (s *Server) writePump(c *Client, done chan struct{}) {
	ticker := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = c.WS.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.WS.Close()
		close(done)
	}()

	for {
		select {
		case <-c.Closed():
			return
		case payload := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[gateway] write failed conn=%s user=%s: %v", c.ConnID, c.UserID(), err)
				return
			}
		case <-ticker.C:
			if err := c.WS.WriteControl(websocket.PingMessage, []byte("ping"),
				time.Now().Add(s.conf.WriteWait)); err != nil {
				logger.Infof("[gateway] ping failed conn=%s user=%s: %v", c.ConnID, c.UserID(), err)
				return
			}
		}
	}
}

// teardown removes every trace of the connection: local registry and
// session registry. When it was the user's last session anywhere, the
// conversations they belong to hear a presence-offline event.
func (s *Server) teardown(c *Client) {
	c.Close()
	s.reg.Remove(c)

	userID := c.UserID()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.sessions.Offline(ctx, userID, c.ConnID); err != nil {
		logger.Warnf("[gateway] offline failed user=%s conn=%s: %v", userID, c.ConnID, err)
	}
	s.announceIfGone(ctx, userID)
	logger.Infof("[gateway] disconnected user=%s conn=%s", userID, c.ConnID)
}
