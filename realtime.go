package kinfolk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures per-conversation realtime connections.
type RealtimeConfig struct {
	// HeartbeatInterval is the spacing of WebSocket pings.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds a single ping round trip.
	HeartbeatTimeout time.Duration
	// TypingInterval is the minimum spacing of outbound typing_start frames.
	TypingInterval time.Duration
	HTTPClient     *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState is the lifecycle state of a Connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// Inbound and outbound frame types.
const (
	FrameMessage     = "message"
	FrameTyping      = "typing"
	FrameStatus      = "status"
	FrameError       = "error"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
)

// Callbacks receive inbound events of one conversation. Every field is
// optional. Callbacks run on the connection's read goroutine; a panic is
// recovered and logged.
type Callbacks struct {
	OnMessage func(Message)
	OnTyping  func(userID string, typing bool)
	OnStatus  func(messageID string, status MessageStatus)
	OnError   func(error)
	OnClose   func(code int, reason string)
	OnOpen    func()
}

type outboundFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ============================================================================
// Connection
// ============================================================================

// Connection is one live WebSocket bound to a conversation.
type Connection struct {
	chatID  string
	conn    *websocket.Conn
	cb      Callbacks
	cfg     RealtimeConfig
	log     *slog.Logger
	metrics *Metrics
	typing  *rate.Limiter
	onDone  func(*Connection)

	mu     sync.Mutex
	state  ConnState
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Connection) ChatID() string { return c.chatID }

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Live reports whether the connection can still carry frames.
func (c *Connection) Live() bool {
	return c.State() == StateConnected
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// StartTyping tells the peers the local user is typing. Frames closer together
// than TypingInterval are dropped.
func (c *Connection) StartTyping(ctx context.Context) error {
	if !c.typing.Allow() {
		return nil
	}
	return c.write(ctx, outboundFrame{Type: FrameTypingStart, ChatID: c.chatID})
}

// StopTyping clears the local user's typing indicator.
func (c *Connection) StopTyping(ctx context.Context) error {
	return c.write(ctx, outboundFrame{Type: FrameTypingStop, ChatID: c.chatID})
}

func (c *Connection) write(ctx context.Context, frame outboundFrame) error {
	if !c.Live() {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime write %s: %w", frame.Type, err)
	}
	return nil
}

// Close tears the connection down with a normal closure.
func (c *Connection) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	c.finish(int(websocket.StatusNormalClosure), "client disconnect")
	return err
}

func (c *Connection) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.state = StateConnected
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(ctx)
	go c.heartbeatLoop(ctx)
}

// finish runs once per connection, whichever side ends it first.
func (c *Connection) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		c.metrics.connClosed()
		c.log.Info("realtime_closed", "chat", c.chatID, "code", code, "reason", reason)
		if c.onDone != nil {
			c.onDone(c)
		}
		close(c.done)
		c.safe("close", func() {
			if c.cb.OnClose != nil {
				c.cb.OnClose(code, reason)
			}
		})
	})
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			if code < 0 && c.Live() {
				c.safe("error", func() {
					if c.cb.OnError != nil {
						c.cb.OnError(&APIError{Kind: KindNetwork, Message: "realtime read failed", Err: err})
					}
				})
			}
			c.finish(code, err.Error())
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("realtime_heartbeat_failed", "chat", c.chatID, "error", err)
				_ = c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				c.finish(int(websocket.StatusGoingAway), "heartbeat timeout")
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it to the callbacks. Frames
// are flat objects keyed by "type"; a message frame may nest the record under
// "message".
func (c *Connection) dispatch(data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Debug("realtime_frame_invalid", "chat", c.chatID, "error", err)
		return
	}
	kind := strOr(frame, "type", "")
	c.metrics.frame(kind)

	switch kind {
	case FrameMessage:
		raw, ok := frame["message"].(map[string]any)
		if !ok {
			raw = make(map[string]any, len(frame))
			for k, v := range frame {
				if k != "type" {
					raw[k] = v
				}
			}
		}
		msg := TransformMessage(raw)
		if msg.ChatID == "" {
			msg.ChatID = c.chatID
		}
		c.safe(kind, func() {
			if c.cb.OnMessage != nil {
				c.cb.OnMessage(msg)
			}
		})
	case FrameTyping, FrameTypingStart, FrameTypingStop:
		userID := idOr(frame, "user_id", "userId", "user")
		typing := boolOr(frame, kind != FrameTypingStop, "is_typing", "isTyping", "typing")
		c.safe(kind, func() {
			if c.cb.OnTyping != nil {
				c.cb.OnTyping(userID, typing)
			}
		})
	case FrameStatus:
		messageID := idOr(frame, "message_id", "messageId", "id")
		status := MessageStatus(strOr(frame, "status", ""))
		if !status.Valid() {
			c.log.Debug("realtime_status_ignored", "chat", c.chatID, "message", messageID, "status", status)
			return
		}
		c.safe(kind, func() {
			if c.cb.OnStatus != nil {
				c.cb.OnStatus(messageID, status)
			}
		})
	case FrameError:
		msg := strOr(frame, "message", "realtime error")
		c.safe(kind, func() {
			if c.cb.OnError != nil {
				c.cb.OnError(&APIError{Kind: KindServer, Message: msg})
			}
		})
	default:
		c.log.Debug("realtime_frame_ignored", "chat", c.chatID, "type", kind)
	}
}

func (c *Connection) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime_callback_panic", "chat", c.chatID, "callback", name, "panic", r)
		}
	}()
	fn()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager keeps at most one realtime connection per conversation.
// Switching the active conversation leaves the others open.
type ConnectionManager struct {
	client  *Client
	cfg     RealtimeConfig
	log     *slog.Logger
	metrics *Metrics
	dials   singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Connection
	active string
}

func NewConnectionManager(client *Client, cfg RealtimeConfig, log *slog.Logger, metrics *Metrics) *ConnectionManager {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionManager{
		client:  client,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		conns:   make(map[string]*Connection),
	}
}

// GetConnection returns the live connection for chatID, dialing a new one
// when none exists or the tracked one has died. Concurrent calls for the same
// chat share one dial. It returns after the handshake completes; cb is only
// used when a new connection is dialed.
func (m *ConnectionManager) GetConnection(ctx context.Context, chatID string, cb Callbacks) (*Connection, error) {
	if c := m.lookup(chatID); c != nil {
		return c, nil
	}

	v, err, _ := m.dials.Do(chatID, func() (any, error) {
		if c := m.lookup(chatID); c != nil {
			return c, nil
		}
		c, err := m.dial(ctx, chatID, cb)
		if err != nil {
			return nil, err
		}
		// Tracked only once running, so lookup never sees it connecting.
		// A connection that already finished is not tracked at all.
		c.start()
		m.mu.Lock()
		if c.Live() {
			m.conns[chatID] = c
		}
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// lookup returns the tracked connection when it is live and forgets a dead one.
func (m *ConnectionManager) lookup(chatID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[chatID]
	if c == nil {
		return nil
	}
	if c.Live() {
		return c
	}
	delete(m.conns, chatID)
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context, chatID string, cb Callbacks) (*Connection, error) {
	u := m.client.WSBaseURL() + "/ws/chats/" + url.PathEscape(chatID) + "/"
	header := http.Header{}
	if token := m.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		m.log.Warn("realtime_dial_failed", "chat", chatID, "error", err)
		return nil, &APIError{Kind: KindNetwork, Message: "realtime dial " + chatID + " failed", Err: err}
	}

	c := &Connection{
		chatID:  chatID,
		conn:    conn,
		cb:      cb,
		cfg:     m.cfg,
		log:     m.log,
		metrics: m.metrics,
		typing:  rate.NewLimiter(rate.Every(m.cfg.TypingInterval), 1),
		onDone:  m.forget,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
	m.metrics.connOpened()
	m.log.Info("realtime_opened", "chat", chatID)
	c.safe("open", func() {
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	})
	return c, nil
}

func (m *ConnectionManager) forget(c *Connection) {
	m.mu.Lock()
	if m.conns[c.chatID] == c {
		delete(m.conns, c.chatID)
	}
	m.mu.Unlock()
}

// SetActive records which conversation is on screen. It does not touch any
// connection.
func (m *ConnectionManager) SetActive(chatID string) {
	m.mu.Lock()
	m.active = chatID
	m.mu.Unlock()
}

func (m *ConnectionManager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Disconnect closes and forgets the connection of one conversation.
func (m *ConnectionManager) Disconnect(chatID string) {
	m.mu.Lock()
	c := m.conns[chatID]
	delete(m.conns, chatID)
	if m.active == chatID {
		m.active = ""
	}
	m.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// DisconnectAll closes every tracked connection and clears the active chat.
func (m *ConnectionManager) DisconnectAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.active = ""
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Len returns the number of tracked connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
