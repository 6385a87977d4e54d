// Package playback plays assistant audio strictly in arrival order, one chunk at a time.
package playback

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

var (
	// ErrQueueEmpty is returned when there is no chunk to play or dequeue
	ErrQueueEmpty = errors.New("playback queue is empty")
	// ErrAlreadyPlaying is returned when the head chunk is already playing
	ErrAlreadyPlaying = errors.New("a chunk is already playing")
)

// Events receives the outcome of the head chunk. Delivered on the event loop.
type Events interface {
	ChunkFinished(chunk entities.AudioChunk)
	ChunkFailed(chunk entities.AudioChunk, err error)
}

// Queue is the FIFO of chunks pushed by the assistant. The head chunk stays in
// the queue while it plays and is removed by DequeueCompleted.
// Must only be used from the event loop.
type Queue struct {
	loop    *eventloop.Loop
	player  repositories.AudioPlayer
	events  Events
	metrics *metrics.Metrics
	logger  *zap.Logger

	chunks    []entities.AudioChunk
	current   repositories.Playback
	playing   bool
	gen       uint64
	startedAt time.Time
}

// NewQueue creates an empty queue playing through player
func NewQueue(loop *eventloop.Loop, player repositories.AudioPlayer, events Events, m *metrics.Metrics, logger *zap.Logger) *Queue {
	return &Queue{
		loop:    loop,
		player:  player,
		events:  events,
		metrics: m,
		logger:  logger,
	}
}

// Enqueue appends a chunk at the tail
func (q *Queue) Enqueue(chunk entities.AudioChunk) {
	q.chunks = append(q.chunks, chunk)
	q.metrics.QueueDepth.Set(float64(len(q.chunks)))
	q.logger.Debug("Audio chunk queued",
		zap.Uint64("seq", chunk.Seq),
		zap.Int("size", len(chunk.Data)),
		zap.Int("queued", len(q.chunks)))
}

// Peek returns the head chunk without removing it
func (q *Queue) Peek() (entities.AudioChunk, bool) {
	if len(q.chunks) == 0 {
		return entities.AudioChunk{}, false
	}
	return q.chunks[0], true
}

// IsEmpty reports whether no chunk is waiting or playing
func (q *Queue) IsEmpty() bool {
	return len(q.chunks) == 0
}

// Len returns the number of chunks waiting or playing
func (q *Queue) Len() int {
	return len(q.chunks)
}

// Playing reports whether the head chunk is currently being played
func (q *Queue) Playing() bool {
	return q.playing
}

// PlayHead starts playing the head chunk. Its outcome is reported through Events;
// a player that refuses the chunk is reported as a failure of that chunk.
func (q *Queue) PlayHead() error {
	if q.playing {
		return ErrAlreadyPlaying
	}
	head, ok := q.Peek()
	if !ok {
		return ErrQueueEmpty
	}

	q.gen++
	gen := q.gen
	q.playing = true
	q.startedAt = q.loop.Clock().Now()

	playback, err := q.player.Play(head, &chunkHandler{queue: q, gen: gen, chunk: head})
	if err != nil {
		q.loop.Post(func() { q.failed(gen, head, err) })
		return nil
	}
	q.current = playback

	q.logger.Debug("Playing audio chunk", zap.Uint64("seq", head.Seq))
	return nil
}

// DequeueCompleted removes the head chunk once it finished or failed
func (q *Queue) DequeueCompleted() (entities.AudioChunk, error) {
	head, ok := q.Peek()
	if !ok {
		return entities.AudioChunk{}, ErrQueueEmpty
	}
	q.chunks[0] = entities.AudioChunk{}
	q.chunks = q.chunks[1:]
	q.playing = false
	q.current = nil
	q.metrics.QueueDepth.Set(float64(len(q.chunks)))
	return head, nil
}

// Clear drops every queued chunk and stops the one playing. It returns the number of chunks dropped.
func (q *Queue) Clear() int {
	dropped := len(q.chunks)
	q.gen++
	if q.current != nil {
		q.current.Stop()
		q.current = nil
	}
	q.chunks = nil
	q.playing = false

	if dropped > 0 {
		q.metrics.ChunksDiscarded.Add(float64(dropped))
		q.logger.Info("Audio queue cleared", zap.Int("dropped", dropped))
	}
	q.metrics.QueueDepth.Set(0)
	return dropped
}

func (q *Queue) finished(gen uint64, chunk entities.AudioChunk) {
	if gen != q.gen || !q.playing {
		return
	}
	q.playing = false
	q.current = nil
	q.metrics.ChunksPlayed.Inc()
	q.metrics.ChunkPlayDuration.Observe(q.loop.Clock().Since(q.startedAt).Seconds())
	q.events.ChunkFinished(chunk)
}

func (q *Queue) failed(gen uint64, chunk entities.AudioChunk, err error) {
	if gen != q.gen || !q.playing {
		return
	}
	q.playing = false
	q.current = nil
	q.metrics.ChunksFailed.Inc()
	q.logger.Warn("Audio chunk failed to play", zap.Uint64("seq", chunk.Seq), zap.Error(err))
	q.events.ChunkFailed(chunk, err)
}

// chunkHandler forwards player callbacks of one chunk to the loop
type chunkHandler struct {
	queue *Queue
	gen   uint64
	chunk entities.AudioChunk
}

func (h *chunkHandler) OnEnded() {
	h.queue.loop.Post(func() { h.queue.finished(h.gen, h.chunk) })
}

func (h *chunkHandler) OnError(err error) {
	h.queue.loop.Post(func() { h.queue.failed(h.gen, h.chunk, err) })
}
