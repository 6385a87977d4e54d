package repositories

import (
	"time"

	"github.com/satriahrh/arunika/client/domain"
	"github.com/satriahrh/arunika/client/domain/entities"
)

// ConnectionHandler receives the events of the duplex channel.
// Events are delivered on the session's control thread, one at a time.
type ConnectionHandler interface {
	OnOpen()
	OnMessage(frame domain.InboundFrame)
	OnClose(code int, reason string)
	OnError(err error)
}

// Connection is the duplex channel to the assistant
type Connection interface {
	SetHandler(handler ConnectionHandler)

	// Open dials the assistant. then runs once the channel is open; when it is
	// already open, then runs right away as a separate task.
	Open(then func())
	SendText(text string) error
	SendJSON(v any) error
	// Close shuts the channel without scheduling a reconnect
	Close()

	// ScheduleReconnect consumes one attempt of policy and arms the backoff timer.
	// ok is false when the policy does not allow another attempt.
	ScheduleReconnect(policy *entities.ReconnectPolicy) (attempt int, delay time.Duration, ok bool)
	CancelReconnect()
}
