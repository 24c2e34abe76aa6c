// Package realtime はルームのライブ接続をWebSocketで提供する。
// 1接続につき1つのsession.Agentを持ち、エージェントのイベントをJSONフレームで送る。
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/studyroom/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	readTimeout    = 60 * time.Second
	maxFrameSize   = 16 << 10
	sendBufferSize = 128
)

// ErrConnectionClosed は閉じた接続への送信で返る。
var ErrConnectionClosed = errors.New("realtime: connection closed")

// Connection はWebSocketをラップし、送信をバッファ付きチャネル経由で直列化する。
// 送信側は待たされない。バッファが溢れる遅いクライアントは切断する。
type Connection struct {
	ID     string
	UserID string

	ws     *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection は利用者のConnectionを生成する。
func NewConnection(userID string, ws *websocket.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Connection{
		ID:     id,
		UserID: userID,
		ws:     ws,
		logger: logger.With(slog.String("conn_id", id), slog.String("user_id", userID)),
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Start は書き込みループを起動する。接続ごとに1回だけ呼ぶこと。
func (c *Connection) Start() {
	go c.writeLoop()
}

// Enqueue はペイロードを送信キューに積む。
func (c *Connection) Enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("realtime: send buffer exceeded")
	}
}

// Send はエージェントのイベントをフレームとして送る。session.Sinkを実装する。
func (c *Connection) Send(e session.Event) {
	c.sendFrame(e)
}

func (c *Connection) sendFrame(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode frame", slog.String("error", err.Error()))
		return
	}
	_ = c.Enqueue(payload)
}

// Done は接続が閉じられると閉じるチャネルを返す。
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close はクローズフレームを送って接続を閉じる。2回目以降は何もしない。
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
