package debug

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/logger"
)

const (
	// Time allowed to write an event to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Tap clients only send control frames
	maxMessageSize = 1024
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The debug listener binds loopback by default.
		return true
	},
}

// handleEvents upgrades the request and streams every bus event to the peer
// until it disconnects or ctx is cancelled.
func (s *Server) handleEvents(ctx context.Context, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	tap := newEventTap(conn, s.log)
	sub, err := s.bus.Subscribe(">", tap.enqueue)
	if err != nil {
		s.log.Error("failed to subscribe event tap", zap.Error(err))
		_ = conn.Close()
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.log.Debug("event tap connected", zap.String("remote_addr", c.Request.RemoteAddr))

	go func() {
		select {
		case <-ctx.Done():
			tap.close()
		case <-tap.done:
		}
	}()
	go tap.writePump()
	tap.readPump()
}

// eventTap streams bus events to one websocket client.
type eventTap struct {
	conn *gorillaws.Conn
	send chan *bus.Event
	log  *logger.Logger

	once sync.Once
	done chan struct{}
}

func newEventTap(conn *gorillaws.Conn, log *logger.Logger) *eventTap {
	return &eventTap{
		conn: conn,
		send: make(chan *bus.Event, 64),
		log:  log,
		done: make(chan struct{}),
	}
}

// enqueue is the bus handler. Slow peers drop events rather than block the
// publisher.
func (t *eventTap) enqueue(ctx context.Context, event *bus.Event) error {
	select {
	case t.send <- event:
	default:
		t.log.Warn("event tap buffer full, dropping event", zap.String("type", event.Type))
	}
	return nil
}

// readPump discards inbound frames. It runs the close handshake and keeps
// pong handling alive.
func (t *eventTap) readPump() {
	defer t.close()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				t.log.Debug("event tap read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes queued events and pings until the tap closes.
func (t *eventTap) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case event := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}

		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *eventTap) close() {
	t.once.Do(func() { close(t.done) })
}
