package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/bargein"
	"github.com/satriahrh/arunika/client/internal/capture"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/playback"
)

const (
	restartTimer    = "session.restart"
	watchdogTimer   = "session.watchdog"
	disconnectTimer = "session.disconnect"
)

// ErrRegistrationIncomplete is returned when the registration form misses a field
var ErrRegistrationIncomplete = errors.New("username and email are required")

// SessionConfig holds the timing and behavior settings of a session
type SessionConfig struct {
	// Quiescence is the pause after the last chunk before the microphone opens again
	Quiescence time.Duration
	// FailureCooldown replaces Quiescence when the last chunk failed to play
	FailureCooldown time.Duration
	// BargeInSettle is the pause after an interruption before listening again
	BargeInSettle time.Duration
	// Watchdog is how long after a restart capture must have started before it is forced
	Watchdog time.Duration
	// DisconnectGrace lets the disconnect signal go out before the channel closes
	DisconnectGrace time.Duration

	WelcomeMarker   string
	MessageLogLimit int

	Capture   capture.Config
	BargeIn   bargein.Config
	Reconnect entities.ReconnectPolicy
}

// DefaultSessionConfig returns the settings used when nothing is configured
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Quiescence:      500 * time.Millisecond,
		FailureCooldown: 2 * time.Second,
		BargeInSettle:   500 * time.Millisecond,
		Watchdog:        3 * time.Second,
		DisconnectGrace: 100 * time.Millisecond,
		WelcomeMarker:   domain.WelcomeMarker,
		MessageLogLimit: 200,
		Capture: capture.Config{
			SilenceTimeout:    9 * time.Second,
			ForceRestartDelay: time.Second,
			Recognition:       repositories.RecognitionConfig{Language: "en-US"},
		},
		BargeIn: bargein.Config{
			ErrorRestartDelay: 500 * time.Millisecond,
			EndRestartDelay:   200 * time.Millisecond,
			Recognition:       repositories.RecognitionConfig{Language: "en-US"},
		},
		Reconnect: entities.DefaultReconnectPolicy(),
	}
}

// SessionOrchestrator is the top-level state machine of a voice session.
//
// It is the only writer of the session. Capture, playback and barge-in run as
// sub-controllers that read the session and report back through their event
// interfaces, which the orchestrator implements. Everything except the exported
// request methods runs on the event loop.
type SessionOrchestrator struct {
	cfg     SessionConfig
	loop    *eventloop.Loop
	conn    repositories.Connection
	mic     repositories.MicrophonePermission
	sink    repositories.StatusSink
	metrics *metrics.Metrics
	logger  *zap.Logger

	session  *entities.Session
	messages *entities.MessageLog
	capture  *capture.Controller
	playback *playback.Queue
	bargein  *bargein.Detector

	statusText     string
	chunkSeq       uint64
	everConnected  bool
	watchdogPasses uint64

	mu       sync.RWMutex
	snapshot entities.Status
}

// NewSessionOrchestrator wires a session to its collaborators. The same recognizer
// serves the foreground capture and the barge-in listener. mic and sink may be nil.
func NewSessionOrchestrator(
	cfg SessionConfig,
	loop *eventloop.Loop,
	conn repositories.Connection,
	recognizer repositories.SpeechRecognizer,
	player repositories.AudioPlayer,
	mic repositories.MicrophonePermission,
	sink repositories.StatusSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SessionOrchestrator {
	o := &SessionOrchestrator{
		cfg:        cfg,
		loop:       loop,
		conn:       conn,
		mic:        mic,
		sink:       sink,
		metrics:    m,
		logger:     logger,
		session:    entities.NewSession(cfg.Reconnect),
		messages:   entities.NewMessageLog(cfg.MessageLogLimit),
		statusText: "Disconnected",
	}
	o.session.CreatedAt = loop.Clock().Now()
	o.logger = logger.With(zap.String("sessionID", o.session.ID))

	o.capture = capture.NewController(cfg.Capture, loop, recognizer, o.session, o, m, o.logger.Named("capture"))
	o.playback = playback.NewQueue(loop, player, o, m, o.logger.Named("playback"))
	o.bargein = bargein.NewDetector(cfg.BargeIn, loop, recognizer, o.session, o, m, o.logger.Named("bargein"))
	conn.SetHandler(o)

	o.snapshot = o.buildStatus()
	return o
}

// Run drives the session until ctx is cancelled, then tears it down in order:
// timers, capture, barge-in, playback and finally the channel.
func (o *SessionOrchestrator) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		select {
		case <-ctx.Done():
			if !o.loop.Post(func() {
				o.teardown()
				stop()
			}) {
				stop()
			}
		case <-loopCtx.Done():
		}
	}()

	o.loop.Post(o.publish)
	o.logger.Info("Session started")

	err := o.loop.Run(loopCtx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Connect opens the channel with auto-reconnect enabled
func (o *SessionOrchestrator) Connect() {
	o.loop.Post(func() {
		o.session.SilenceLevel = entities.SilenceNormal
		o.session.Reconnect.Enabled = true
		o.session.Reconnect.Reset()
		o.open(nil)
		o.publish()
	})
}

// Register submits the registration form: it connects if needed and sends init once open.
func (o *SessionOrchestrator) Register(username, email string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" {
		return ErrRegistrationIncomplete
	}

	o.loop.Post(func() {
		if o.session.ConnectionState == entities.ConnectionStateDisconnected ||
			o.session.ConnectionState == entities.ConnectionStateError {
			o.session.Reconnect.Enabled = false
		}
		o.session.AwaitingWelcome = true
		o.open(func() { o.sendInit(username, email) })
		o.publish()
	})
	return nil
}

// Disconnect ends the conversation on user request
func (o *SessionOrchestrator) Disconnect() {
	o.loop.Post(func() {
		o.disconnect("Disconnected")
	})
}

// StartListening asks for a listening pass, subject to the usual gating
func (o *SessionOrchestrator) StartListening() {
	o.loop.Post(o.startListening)
}

// ToggleMicrophone stops listening when a pass is active, otherwise checks
// microphone access and starts one.
func (o *SessionOrchestrator) ToggleMicrophone(ctx context.Context) error {
	var listening bool
	if err := o.loop.Do(ctx, func() { listening = o.capture.Listening() }); err != nil {
		return err
	}

	if listening {
		o.loop.Post(func() {
			o.capture.Stop()
			o.setStatus("Stopped listening")
			o.publish()
		})
		return nil
	}

	if o.mic != nil {
		if err := o.mic.Request(ctx); err != nil {
			o.loop.Post(func() {
				o.setStatus("Error accessing microphone")
				o.appendLog(entities.LogKindError, "Error accessing microphone. Please check permissions.")
				o.publish()
			})
			return fmt.Errorf("microphone access denied: %w", err)
		}
	}

	o.loop.Post(o.startListening)
	return nil
}

// Snapshot returns the last published status. Safe from any goroutine.
func (o *SessionOrchestrator) Snapshot() entities.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

func (o *SessionOrchestrator) open(then func()) {
	if o.loop.Pending(disconnectTimer) {
		// A previous disconnect is still in its grace period.
		o.loop.Cancel(disconnectTimer)
		o.conn.Close()
	}
	if !o.session.Connected() {
		o.conn.CancelReconnect()
		o.session.ConnectionState = entities.ConnectionStateConnecting
		o.setStatus("Connecting...")
	}
	o.conn.Open(then)
}

func (o *SessionOrchestrator) sendInit(username, email string) {
	if err := o.conn.SendJSON(domain.NewInitMessage(username, email)); err != nil {
		o.sendFailed(err)
		o.publish()
		return
	}
	o.logger.Info("Registration sent", zap.String("username", username))
	o.appendLog(entities.LogKindSystem, fmt.Sprintf("Registered as %s, waiting for the welcome message...", username))
	o.setStatus("Waiting for the welcome message...")
	o.publish()
}

func (o *SessionOrchestrator) disconnect(status string) {
	wasConnected := o.session.Connected()

	o.session.Reconnect.Enabled = false
	o.session.Reconnect.Reset()
	o.conn.CancelReconnect()
	o.loop.Cancel(restartTimer)
	o.loop.Cancel(watchdogTimer)

	o.capture.Stop()
	o.bargein.Disarm()
	o.playback.Clear()

	if wasConnected {
		if err := o.conn.SendText(domain.DisconnectSignal); err != nil {
			o.logger.Warn("Failed to send disconnect signal", zap.Error(err))
		}
		o.loop.After(disconnectTimer, o.cfg.DisconnectGrace, o.conn.Close)
	} else {
		o.conn.Close()
	}

	o.session.Reset()
	o.metrics.Connected.Set(0)
	o.logger.Info("Session disconnected", zap.String("reason", status))
	o.setStatus(status)
	o.appendLog(entities.LogKindSystem, status)
	o.publish()
}

func (o *SessionOrchestrator) teardown() {
	o.logger.Info("Tearing down session")
	o.session.Reconnect.Enabled = false
	o.loop.CancelAll()
	o.capture.Stop()
	o.bargein.Disarm()
	o.playback.Clear()
	o.conn.Close()

	o.session.Reset()
	o.metrics.Connected.Set(0)
	o.setStatus("Session ended")
	o.publish()
}

func (o *SessionOrchestrator) startListening() {
	if !o.session.Connected() {
		o.setStatus("Please connect to AI Assistant first")
		o.appendLog(entities.LogKindError, "Please connect to AI Assistant first")
		o.publish()
		return
	}
	o.tryListen()
	o.publish()
}

// tryListen enters Listening when the gating rules allow it
func (o *SessionOrchestrator) tryListen() {
	err := o.capture.Start()
	switch {
	case err == nil:
		o.setStatus("Starting to listen...")
	case errors.Is(err, capture.ErrNotWelcomed):
		o.setStatus("Please submit the form and wait for the welcome message.")
	case errors.Is(err, capture.ErrStartRejected):
		// Flow control, one of the other states will bring us back here.
	default:
		o.logger.Warn("Failed to start listening", zap.Error(err))
		o.setStatus("Speech recognition error")
		o.appendLog(entities.LogKindError, "Failed to start listening: "+err.Error())
	}
}

// OnOpen implements repositories.ConnectionHandler
func (o *SessionOrchestrator) OnOpen() {
	o.session.ConnectionState = entities.ConnectionStateConnected
	o.session.Reconnect.Reset()
	o.everConnected = true
	o.metrics.Connected.Set(1)

	o.setStatus("Connected!")
	o.appendLog(entities.LogKindSystem, "Connected to AI Assistant!")
	if o.session.WelcomeReceived {
		o.tryListen()
	}
	o.publish()
}

// OnMessage implements repositories.ConnectionHandler
func (o *SessionOrchestrator) OnMessage(frame domain.InboundFrame) {
	if !o.session.Connected() {
		o.logger.Debug("Dropping frame received while not connected", zap.Stringer("kind", frame.Kind))
		return
	}

	switch frame.Kind {
	case domain.FrameAudio:
		o.audioReceived(frame.Audio)
	case domain.FrameText:
		o.appendLog(entities.LogKindAI, frame.Text)
		if !o.session.WelcomeReceived && domain.IsWelcome(frame.Text, o.cfg.WelcomeMarker) {
			o.session.WelcomeReceived = true
			o.session.AwaitingWelcome = false
			o.logger.Info("Welcome received")
			o.setStatus("Welcome received! You can now start your query.")
			o.tryListen()
		}
	case domain.FrameError:
		o.appendLog(entities.LogKindError, "Error: "+frame.Text)
		o.setStatus("Server error")
		if o.session.ResponsePending && o.playback.IsEmpty() {
			// No audio will follow an error reply.
			o.session.ResponsePending = false
			o.tryListen()
		}
	case domain.FrameRaw:
		o.appendLog(entities.LogKindAI, frame.Text)
	}
	o.publish()
}

// OnClose implements repositories.ConnectionHandler
func (o *SessionOrchestrator) OnClose(code int, reason string) {
	wasConnected := o.session.Connected()
	o.metrics.Connected.Set(0)
	o.loop.Cancel(watchdogTimer)
	o.capture.Stop()
	if o.playback.IsEmpty() {
		o.session.ResponsePending = false
	}

	o.logger.Info("Connection closed", zap.Int("code", code), zap.String("reason", reason))

	max := o.session.Reconnect.MaxAttempts
	if attempt, delay, ok := o.conn.ScheduleReconnect(&o.session.Reconnect); ok {
		o.session.ConnectionState = entities.ConnectionStateReconnecting
		o.metrics.ReconnectAttempts.Inc()
		o.setStatus(fmt.Sprintf("Connection lost. Reconnecting... (%d/%d)", attempt, max))
		o.appendLog(entities.LogKindSystem,
			fmt.Sprintf("Connection lost. Attempting to reconnect in %s... (%d/%d)", delay, attempt, max))
	} else if o.session.Reconnect.Exhausted() {
		o.session.ConnectionState = entities.ConnectionStateError
		o.setStatus("Max reconnection attempts reached")
		o.appendLog(entities.LogKindError, "Max reconnection attempts reached. Please reconnect manually.")
	} else {
		o.session.ConnectionState = entities.ConnectionStateDisconnected
		o.setStatus("Disconnected")
		if wasConnected {
			o.appendLog(entities.LogKindSystem, "Disconnected from AI Assistant")
		}
	}
	o.publish()
}

// OnError implements repositories.ConnectionHandler
func (o *SessionOrchestrator) OnError(err error) {
	o.metrics.ConnectionErrors.Inc()
	o.logger.Warn("Connection error", zap.Error(err))
	o.appendLog(entities.LogKindError, "Connection error: "+err.Error())
	if !o.session.Reconnect.Enabled {
		o.setStatus("Connection error")
	}
	o.publish()
}

func (o *SessionOrchestrator) audioReceived(data []byte) {
	o.chunkSeq++
	chunk := entities.AudioChunk{
		Seq:        o.chunkSeq,
		Data:       data,
		ReceivedAt: o.loop.Clock().Now(),
	}
	o.metrics.ChunksReceived.Inc()
	o.playback.Enqueue(chunk)
	o.appendLog(entities.LogKindSystem, "Audio response queued...")

	if !o.session.IsPlayingAudio {
		o.startPlayback()
	}
}

// startPlayback enters Playing with the head chunk
func (o *SessionOrchestrator) startPlayback() {
	o.loop.Cancel(restartTimer)
	o.loop.Cancel(watchdogTimer)
	o.session.WaitingToRestart = false

	o.capture.Stop()
	o.session.ListeningForQuery = false
	o.session.IsPlayingAudio = true
	o.bargein.Arm()

	if err := o.playback.PlayHead(); err != nil {
		o.logger.Warn("Failed to play head chunk", zap.Error(err))
	}
	o.setStatus("Playing response...")
}

// ChunkFinished implements playback.Events
func (o *SessionOrchestrator) ChunkFinished(chunk entities.AudioChunk) {
	o.completeChunk(chunk, o.cfg.Quiescence)
}

// ChunkFailed implements playback.Events
func (o *SessionOrchestrator) ChunkFailed(chunk entities.AudioChunk, err error) {
	o.appendLog(entities.LogKindError, "Error playing audio: "+err.Error())
	o.completeChunk(chunk, o.cfg.FailureCooldown)
}

func (o *SessionOrchestrator) completeChunk(chunk entities.AudioChunk, cooldown time.Duration) {
	head, err := o.playback.DequeueCompleted()
	if err != nil || head.Seq != chunk.Seq {
		o.logger.Error("Completed chunk is not the queue head",
			zap.Uint64("seq", chunk.Seq),
			zap.Uint64("head", head.Seq),
			zap.Error(err))
	}
	o.session.IsPlayingAudio = false

	if !o.playback.IsEmpty() {
		o.startPlayback()
		o.publish()
		return
	}

	o.session.ListeningForQuery = true
	o.session.ResponsePending = false
	o.bargein.Disarm()

	if o.session.SilenceLevel >= entities.SilenceGoodbye {
		o.disconnect("Disconnected after goodbye")
		return
	}

	o.waitToRestart(cooldown, "Audio finished, waiting to restart listening...")
	o.publish()
}

// waitToRestart enters WaitingToRestart and re-enables listening after delay
func (o *SessionOrchestrator) waitToRestart(delay time.Duration, status string) {
	o.session.WaitingToRestart = true
	o.setStatus(status)
	o.loop.Cancel(watchdogTimer)
	o.loop.After(restartTimer, delay, o.restartListening)
}

func (o *SessionOrchestrator) restartListening() {
	o.session.WaitingToRestart = false
	o.setStatus("Ready to listen")

	o.watchdogPasses = o.capture.Passes()
	o.loop.After(watchdogTimer, o.cfg.Watchdog, o.watchdog)

	o.tryListen()
	o.publish()
}

// watchdog repairs a capture engine that silently failed to start after a restart
func (o *SessionOrchestrator) watchdog() {
	s := o.session
	if !s.Connected() || !s.WelcomeReceived || s.IsPlayingAudio || s.WaitingToRestart || s.ResponsePending {
		return
	}
	if !o.playback.IsEmpty() || o.capture.Running() || o.capture.Passes() != o.watchdogPasses {
		return
	}
	if s.SilenceLevel >= entities.SilenceGoodbye {
		return
	}

	o.logger.Warn("Normal restart failed, trying force restart")
	o.appendLog(entities.LogKindSystem, "Restarting speech recognition...")
	o.capture.ForceRestart()
	o.publish()
}

// ListeningStarted implements capture.Events
func (o *SessionOrchestrator) ListeningStarted() {
	o.setStatus("Listening...")
	o.appendLog(entities.LogKindSystem, "Listening...")
	o.publish()
}

// TranscriptAccepted implements capture.Events
func (o *SessionOrchestrator) TranscriptAccepted(text string) {
	o.session.SilenceLevel = entities.SilenceNormal
	o.appendLog(entities.LogKindUser, text)

	if err := o.conn.SendText(text); err != nil {
		o.sendFailed(err)
		o.publish()
		return
	}
	o.metrics.TranscriptsSent.Inc()
	o.session.ResponsePending = true
	o.setStatus("Processing your request...")
	o.publish()
}

// SilenceTimedOut implements capture.Events
func (o *SessionOrchestrator) SilenceTimedOut(level entities.SilenceLevel) {
	o.session.SilenceLevel = level

	msgType := domain.MessageTypeNoInputTimeout
	note := "No input detected"
	if level >= entities.SilenceGoodbye {
		msgType = domain.MessageTypeFinalGoodbye
		note = "Still no input, saying goodbye"
	}
	o.appendLog(entities.LogKindSystem, note)

	if o.session.Connected() {
		if err := o.conn.SendJSON(domain.NewControlMessage(msgType)); err != nil {
			o.sendFailed(err)
		}
	}
	o.publish()
}

// CaptureFailed implements capture.Events
func (o *SessionOrchestrator) CaptureFailed(err error) {
	o.setStatus("Speech recognition error")
	o.appendLog(entities.LogKindError, "Speech recognition error: "+err.Error())
	o.publish()
}

// CaptureEnded implements capture.Events
func (o *SessionOrchestrator) CaptureEnded() {
	if o.statusText == "Listening..." {
		o.setStatus("Ready to listen")
	}
	o.publish()
}

// Interrupted implements bargein.Events
func (o *SessionOrchestrator) Interrupted(utterance string) {
	dropped := o.playback.Clear()
	o.logger.Info("Playback interrupted", zap.Int("dropped", dropped))
	o.appendLog(entities.LogKindSystem, "Interrupted: "+utterance)

	o.session.IsPlayingAudio = false
	o.session.ListeningForQuery = true
	o.session.ResponsePending = false
	o.session.SilenceLevel = entities.SilenceNormal

	o.waitToRestart(o.cfg.BargeInSettle, "Interrupted, listening again...")
	o.publish()
}

func (o *SessionOrchestrator) sendFailed(err error) {
	o.metrics.SendFailures.Inc()
	o.logger.Warn("Failed to send message", zap.Error(err))
	o.appendLog(entities.LogKindError, "Failed to send message: "+err.Error())
}

func (o *SessionOrchestrator) setStatus(text string) {
	o.statusText = text
}

func (o *SessionOrchestrator) appendLog(kind entities.LogKind, content string) {
	o.messages.Append(kind, content, o.loop.Clock().Now())
}

func (o *SessionOrchestrator) phase() entities.Phase {
	s := o.session
	switch s.ConnectionState {
	case entities.ConnectionStateError:
		return entities.PhaseError
	case entities.ConnectionStateConnecting, entities.ConnectionStateReconnecting:
		return entities.PhaseConnecting
	case entities.ConnectionStateDisconnected:
		if o.everConnected {
			return entities.PhaseDisconnected
		}
		return entities.PhaseIdle
	}

	switch {
	case s.IsPlayingAudio:
		return entities.PhasePlaying
	case s.WaitingToRestart:
		return entities.PhaseWaitingToRestart
	case s.CaptureState != entities.CaptureStateIdle:
		return entities.PhaseListening
	case s.ResponsePending:
		return entities.PhaseProcessing
	case s.AwaitingWelcome && !s.WelcomeReceived:
		return entities.PhaseAwaitingWelcome
	default:
		return entities.PhaseIdle
	}
}

func (o *SessionOrchestrator) buildStatus() entities.Status {
	o.session.CaptureState = o.capture.State()
	o.session.Phase = o.phase()
	s := o.session
	return entities.Status{
		SessionID:         s.ID,
		ConnectionState:   s.ConnectionState,
		Phase:             s.Phase,
		StatusText:        o.statusText,
		Messages:          o.messages.Entries(),
		IsListening:       o.capture.Running(),
		IsPlayingAudio:    s.IsPlayingAudio,
		ReconnectAttempts: s.Reconnect.Attempts,
		MaxReconnects:     s.Reconnect.MaxAttempts,
		WelcomeReceived:   s.WelcomeReceived,
		SilenceLevel:      s.SilenceLevel,
		QueuedChunks:      o.playback.Len(),
	}
}

// publish pushes the current status to the display layer
func (o *SessionOrchestrator) publish() {
	status := o.buildStatus()

	o.mu.Lock()
	o.snapshot = status
	o.mu.Unlock()

	if o.sink != nil {
		o.sink.Publish(status)
	}
}
