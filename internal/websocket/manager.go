// Package websocket implements the client side of the duplex channel to the
// assistant: dialing, the read and write pumps, reconnect-with-backoff and
// the frame codec shared with the development peer.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/eventloop"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024 // a whole synthesized utterance arrives as one frame

	defaultSendBufferSize   = 256
	defaultHandshakeTimeout = 10 * time.Second

	reconnectTimer = "reconnect"
)

var (
	// ErrNotConnected is returned when sending while the channel is not open
	ErrNotConnected = errors.New("websocket not connected")
	// ErrSendBufferFull is returned when the write pump cannot keep up
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Config configures the connection manager
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	SendBufferSize   int
}

type managerState int

const (
	stateClosed managerState = iota
	stateDialing
	stateOpen
)

// peer is one physical connection. A new peer is created for every successful dial.
type peer struct {
	conn *websocket.Conn

	// Buffered channel of outbound messages. Closed only from the loop.
	send chan WriteData
}

// Manager owns the duplex channel to the assistant. All methods must be called
// from the event loop; network events are posted back to it.
type Manager struct {
	cfg     Config
	loop    *eventloop.Loop
	dialer  *websocket.Dialer
	handler repositories.ConnectionHandler
	logger  *zap.Logger

	state      managerState
	gen        uint64
	peer       *peer
	waiters    []func()
	cancelDial context.CancelFunc
}

var _ repositories.Connection = (*Manager)(nil)

// NewManager creates a closed connection manager
func NewManager(cfg Config, loop *eventloop.Loop, logger *zap.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	return &Manager{
		cfg:  cfg,
		loop: loop,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// SetHandler sets the receiver of connection events
func (m *Manager) SetHandler(handler repositories.ConnectionHandler) {
	m.handler = handler
}

// Open dials the assistant unless a connection is already open or being dialed
func (m *Manager) Open(then func()) {
	switch m.state {
	case stateOpen:
		if then != nil {
			m.loop.Post(then)
		}
		return
	case stateDialing:
		if then != nil {
			m.waiters = append(m.waiters, then)
		}
		return
	}

	m.loop.Cancel(reconnectTimer)
	m.gen++
	gen := m.gen
	m.state = stateDialing
	if then != nil {
		m.waiters = append(m.waiters, then)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	m.cancelDial = cancel

	m.logger.Info("Connecting to assistant", zap.String("url", m.cfg.URL))
	go func() {
		defer cancel()
		conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if !m.loop.Post(func() { m.dialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn *websocket.Conn, err error) {
	if gen != m.gen || m.state != stateDialing {
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.state = stateClosed
		m.waiters = nil
		m.logger.Warn("Failed to connect", zap.String("url", m.cfg.URL), zap.Error(err))
		m.handler.OnError(fmt.Errorf("failed to connect: %w", err))
		m.handler.OnClose(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	p := &peer{
		conn: conn,
		send: make(chan WriteData, m.cfg.SendBufferSize),
	}
	m.peer = p
	m.state = stateOpen

	go m.writePump(p)
	go m.readPump(p)

	m.logger.Info("Connected to assistant", zap.String("url", m.cfg.URL))
	m.handler.OnOpen()

	waiters := m.waiters
	m.waiters = nil
	for _, fn := range waiters {
		fn()
	}
}

// SendText sends a raw text frame
func (m *Manager) SendText(text string) error {
	return m.send(TextFrame(text))
}

// SendJSON sends v as a JSON text frame
func (m *Manager) SendJSON(v any) error {
	frame, err := JSONFrame(v)
	if err != nil {
		return err
	}
	return m.send(frame)
}

func (m *Manager) send(data WriteData) error {
	if m.state != stateOpen {
		return ErrNotConnected
	}
	select {
	case m.peer.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the channel and cancels a pending reconnect. A close requested
// by the client is not reported back through OnClose.
func (m *Manager) Close() {
	m.loop.Cancel(reconnectTimer)

	switch m.state {
	case stateDialing:
		m.cancelDial()
		m.cancelDial = nil
		m.gen++
		m.state = stateClosed
		m.waiters = nil
	case stateOpen:
		m.release()
	default:
		return
	}
	m.logger.Info("Connection closed by client")
}

// Connected reports whether the channel is open
func (m *Manager) Connected() bool {
	return m.state == stateOpen
}

// release drops the current peer; its pumps wind down on their own
func (m *Manager) release() {
	p := m.peer
	m.peer = nil
	m.state = stateClosed
	m.gen++
	close(p.send)
}

// ScheduleReconnect arms the backoff timer for the next attempt of policy
func (m *Manager) ScheduleReconnect(policy *entities.ReconnectPolicy) (int, time.Duration, bool) {
	if !policy.CanRetry() {
		return 0, 0, false
	}

	attempt, delay := policy.Advance()
	m.logger.Info("Scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Int("maxAttempts", policy.MaxAttempts),
		zap.Duration("delay", delay))

	m.loop.After(reconnectTimer, delay, func() {
		m.Open(nil)
	})
	return attempt, delay, true
}

// CancelReconnect disarms a pending reconnect
func (m *Manager) CancelReconnect() {
	m.loop.Cancel(reconnectTimer)
}

// lost handles a connection that went away without Close being called
func (m *Manager) lost(p *peer, code int, reason string) {
	if m.peer != p {
		return
	}
	m.release()
	m.logger.Info("Connection lost", zap.Int("code", code), zap.String("reason", reason))
	m.handler.OnClose(code, reason)
}

// readPump pumps frames from the connection to the event loop.
func (m *Manager) readPump(p *peer) {
	defer p.conn.Close()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("WebSocket error", zap.Error(err))
			}
			code, reason := closeDetails(err)
			m.loop.Post(func() { m.lost(p, code, reason) })
			return
		}

		frame, err := DecodeFrame(messageType, message)
		if err != nil {
			m.logger.Warn("Dropping frame", zap.Int("type", messageType), zap.Error(err))
			continue
		}
		m.loop.Post(func() {
			if m.peer == p {
				m.handler.OnMessage(frame)
			}
		})
	}
}

// writePump pumps messages from the send buffer to the connection.
func (m *Manager) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := p.conn.WriteMessage(message.Type, message.Payload); err != nil {
				m.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
