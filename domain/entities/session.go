package entities

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState represents the state of the duplex channel to the assistant
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateError        ConnectionState = "error"
)

// CaptureState represents the state of the foreground speech capture loop
type CaptureState string

const (
	CaptureStateIdle      CaptureState = "idle"
	CaptureStateStarting  CaptureState = "starting"
	CaptureStateListening CaptureState = "listening"
)

// Phase is the orchestrator's top-level state
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseConnecting       Phase = "connecting"
	PhaseAwaitingWelcome  Phase = "awaiting_welcome"
	PhaseListening        Phase = "listening"
	PhaseProcessing       Phase = "processing"
	PhasePlaying          Phase = "playing"
	PhaseWaitingToRestart Phase = "waiting_to_restart"
	PhaseDisconnected     Phase = "disconnected"
	PhaseError            Phase = "error"
)

// SilenceLevel counts consecutive no-input timeouts
type SilenceLevel int

const (
	SilenceNormal  SilenceLevel = 0
	SilenceNudged  SilenceLevel = 1
	SilenceGoodbye SilenceLevel = 2
)

// Next returns the following escalation level, saturating at SilenceGoodbye
func (l SilenceLevel) Next() SilenceLevel {
	if l >= SilenceGoodbye {
		return SilenceGoodbye
	}
	return l + 1
}

// AudioChunk is an opaque audio payload pushed by the assistant
type AudioChunk struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

// Session is the single long-lived aggregate of a voice conversation.
// Only the orchestrator writes it; sub-controllers read it through SessionView.
type Session struct {
	ID        string
	CreatedAt time.Time

	ConnectionState ConnectionState
	CaptureState    CaptureState
	Phase           Phase

	IsPlayingAudio    bool
	WaitingToRestart  bool
	ListeningForQuery bool
	ResponsePending   bool
	WelcomeReceived   bool
	AwaitingWelcome   bool
	SilenceLevel      SilenceLevel

	Reconnect ReconnectPolicy
}

// SessionView is the read-only projection of a session handed to sub-controllers
type SessionView interface {
	Connected() bool
	Welcomed() bool
	PlayingAudio() bool
	RestartPending() bool
	AwaitingResponse() bool
	QueryListening() bool
	Silence() SilenceLevel
}

var _ SessionView = (*Session)(nil)

// NewSession creates a session in its initial idle state
func NewSession(policy ReconnectPolicy) *Session {
	return &Session{
		ID:                uuid.NewString(),
		CreatedAt:         time.Now(),
		ConnectionState:   ConnectionStateDisconnected,
		CaptureState:      CaptureStateIdle,
		Phase:             PhaseIdle,
		ListeningForQuery: true,
		Reconnect:         policy,
	}
}

// Reset returns the session to a clean disconnected state after an explicit disconnect.
// The reconnect budget is restored and auto-reconnect is turned off.
func (s *Session) Reset() {
	s.ConnectionState = ConnectionStateDisconnected
	s.CaptureState = CaptureStateIdle
	s.Phase = PhaseDisconnected
	s.IsPlayingAudio = false
	s.WaitingToRestart = false
	s.ListeningForQuery = true
	s.ResponsePending = false
	s.WelcomeReceived = false
	s.AwaitingWelcome = false
	s.SilenceLevel = SilenceNormal
	s.Reconnect.Reset()
	s.Reconnect.Enabled = false
}

func (s *Session) Connected() bool        { return s.ConnectionState == ConnectionStateConnected }
func (s *Session) Welcomed() bool         { return s.WelcomeReceived }
func (s *Session) PlayingAudio() bool     { return s.IsPlayingAudio }
func (s *Session) RestartPending() bool   { return s.WaitingToRestart }
func (s *Session) AwaitingResponse() bool { return s.ResponsePending }
func (s *Session) QueryListening() bool   { return s.ListeningForQuery }
func (s *Session) Silence() SilenceLevel  { return s.SilenceLevel }
