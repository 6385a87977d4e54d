package devpeer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	ws "github.com/satriahrh/arunika/client/internal/websocket"
)

const (
	nudgeText   = "Are you still there? Just say something whenever you're ready."
	goodbyeText = "It seems you've stepped away. Goodbye for now!"
)

// Client is one connected voice client. Replies are produced one at a time
// by replyWorker so text and audio frames never interleave.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	send    chan ws.WriteData
	replies chan func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by replyWorker.
	conversation *entities.Conversation
	chat         repositories.ChatSession

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     hub,
		conn:    conn,
		id:      id,
		send:    make(chan ws.WriteData, 256),
		replies: make(chan func(ctx context.Context), 16),
		ctx:     ctx,
		cancel:  cancel,
		logger:  hub.logger.With(zap.String("clientID", id)),
	}
}

// readPump pumps messages from the websocket connection to the reply worker
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		if done := c.processMessage(message); done {
			c.logger.Info("Client asked to disconnect")
			return
		}
	}
}

// writePump pumps frames to the websocket connection until the client is cancelled
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame.Type, frame.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// replyWorker runs queued replies in order and ends the conversation on exit
func (c *Client) replyWorker() {
	defer c.endConversation()

	for {
		select {
		case reply := <-c.replies:
			reply(c.ctx)
		case <-c.ctx.Done():
			return
		}
	}
}

// processMessage handles one client text frame and reports whether the client is done
func (c *Client) processMessage(payload []byte) bool {
	msg, err := ws.ParseClientMessage(payload)
	if err != nil {
		c.hub.metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		c.logger.Warn("Invalid client message", zap.Error(err))
		c.enqueue(func(ctx context.Context) { c.sendError(err.Error()) })
		return false
	}

	switch {
	case msg.IsDisconnect():
		c.hub.metrics.MessagesReceived.WithLabelValues("disconnect").Inc()
		return true

	case msg.Type == domain.MessageTypeInit:
		c.hub.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		c.enqueue(func(ctx context.Context) { c.welcome(ctx, msg.Username, msg.Email) })

	case msg.Type == domain.MessageTypeNoInputTimeout:
		c.hub.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		c.enqueue(func(ctx context.Context) { c.speak(ctx, nudgeText) })

	case msg.Type == domain.MessageTypeFinalGoodbye:
		c.hub.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		c.enqueue(func(ctx context.Context) { c.speak(ctx, goodbyeText) })

	case msg.Text != "":
		c.hub.metrics.MessagesReceived.WithLabelValues("transcript").Inc()
		c.enqueue(func(ctx context.Context) { c.answer(ctx, msg.Text) })
	}
	return false
}

func (c *Client) enqueue(reply func(ctx context.Context)) {
	select {
	case c.replies <- reply:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("Reply queue full, dropping message")
	}
}

// welcome starts a new conversation and greets the user
func (c *Client) welcome(ctx context.Context, username, email string) {
	c.endConversation()

	conversation := &entities.Conversation{ID: uuid.NewString(), Username: username, Email: email}
	if err := c.hub.transcripts.Create(ctx, conversation); err != nil {
		c.logger.Error("Failed to create conversation", zap.Error(err))
		c.sendError("failed to start conversation")
		return
	}

	chat, err := c.hub.assistant.StartChat(ctx, nil)
	if err != nil {
		c.logger.Error("Failed to start chat session", zap.Error(err))
		c.sendError("failed to start conversation")
		return
	}

	c.conversation = conversation
	c.chat = chat
	c.logger.Info("Conversation started",
		zap.String("conversationID", conversation.ID),
		zap.String("username", username))

	greeting := fmt.Sprintf("Hi %s, welcome! What would you like to talk about?", username)
	c.record(ctx, entities.TurnRoleAssistant, greeting)
	c.speak(ctx, greeting)
}

// answer asks the assistant to reply to a transcript
func (c *Client) answer(ctx context.Context, transcript string) {
	if c.chat == nil {
		c.sendError("please register before speaking")
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	c.record(ctx, entities.TurnRoleUser, transcript)
	reply, err := c.chat.SendMessage(ctx, repositories.ChatMessage{Role: repositories.UserRole, Content: transcript})
	if err != nil {
		c.hub.metrics.ReplyErrors.Inc()
		c.logger.Error("Assistant failed to reply", zap.Error(err))
		c.sendError("assistant is unavailable")
		return
	}

	c.record(ctx, entities.TurnRoleAssistant, reply.Content)
	c.speak(ctx, reply.Content)
	c.hub.metrics.Replies.Inc()
	c.hub.metrics.ReplyDuration.Observe(time.Since(start).Seconds())
}

// speak sends the text frame followed by its synthesized audio.
// The audio is sent as one binary frame so the client can play it as a single file.
func (c *Client) speak(ctx context.Context, text string) {
	frame, err := ws.JSONFrame(domain.AssistantMessage{Text: text})
	if err != nil {
		c.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	c.write(frame)

	audio, err := c.hub.tts.ConvertTextToSpeech(ctx, text)
	if err != nil {
		c.hub.metrics.ReplyErrors.Inc()
		c.logger.Warn("Speech synthesis failed, reply sent as text only", zap.Error(err))
		return
	}

	var utterance bytes.Buffer
	for chunk := range audio {
		utterance.Write(chunk)
	}
	if utterance.Len() == 0 {
		c.logger.Warn("Speech synthesis returned no audio")
		return
	}
	total := utterance.Len()
	c.write(ws.BinaryFrame(utterance.Bytes()))
	c.hub.metrics.AudioBytesSent.Add(float64(total))
	c.logger.Debug("Reply sent", zap.Int("audioBytes", total))
}

func (c *Client) sendError(message string) {
	frame, err := ws.JSONFrame(domain.AssistantMessage{Error: message})
	if err != nil {
		return
	}
	c.write(frame)
}

func (c *Client) write(frame ws.WriteData) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *Client) record(ctx context.Context, role entities.TurnRole, content string) {
	if c.conversation == nil {
		return
	}
	turn := entities.Turn{Role: role, Content: content, Timestamp: time.Now()}
	if err := c.hub.transcripts.AppendTurn(ctx, c.conversation.ID, turn); err != nil {
		c.logger.Warn("Failed to store turn", zap.Error(err))
	}
}

// endConversation marks the current conversation as ended, if any
func (c *Client) endConversation() {
	if c.conversation == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.hub.transcripts.End(ctx, c.conversation.ID); err != nil && !errors.Is(err, repositories.ErrConversationNotFound) {
		c.logger.Warn("Failed to end conversation", zap.Error(err))
	}
	c.conversation = nil
	c.chat = nil
}
