package recording

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
)

// Status tracks a recording through its life, from capture to the note
// written off the back of it.
type Status string

const (
	StatusRecording   Status = "recording"
	StatusStopped     Status = "stopped"
	StatusUploading   Status = "uploading"
	StatusTranscribed Status = "transcribed"
	StatusNoted       Status = "noted"
	StatusFailed      Status = "failed"
)

// Blob is a finalized recording: the full container stream plus the
// metadata the pipeline needs to file it.
type Blob struct {
	Data      []byte
	MimeType  string
	RoomID    string
	StartedAt time.Time
	Duration  time.Duration
}

// Controller runs one recording session. Mixed PCM frames go in through
// PushFrame; bytes come out of the container writer into an in-memory
// chunk list, sealed on a timer the way MediaRecorder timeslices. Stop
// finalizes the container, seals the tail and only then concatenates, so
// the last seconds of a consultation are never lost.
type Controller struct {
	cfg    config.RecordingConfig
	logger *zap.Logger
	roomID string

	enc Encoding
	fw  FrameWriter
	cw  *chunkWriter

	frames   chan []int16
	flushReq chan chan struct{}
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	startedAt      time.Time
	samplesWritten atomic.Int64

	mu     sync.Mutex
	status Status
	runErr error
}

// NewController probes for a usable encoding and prepares a session for
// the given room. Start must be called before frames are pushed.
func NewController(cfg config.RecordingConfig, roomID string, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recording")

	enc, err := ProbeEncoding(cfg)
	if err != nil {
		return nil, err
	}
	return newControllerWith(enc, cfg, roomID, logger)
}

func newControllerWith(enc Encoding, cfg config.RecordingConfig, roomID string, logger *zap.Logger) (*Controller, error) {
	cw := &chunkWriter{}
	fw, err := enc.NewWriter(cw, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s writer: %w", enc.MimeType, err)
	}

	logger.Info("recording encoding selected", zap.String("mimeType", enc.MimeType))
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		roomID:   roomID,
		enc:      enc,
		fw:       fw,
		cw:       cw,
		frames:   make(chan []int16, 64),
		flushReq: make(chan chan struct{}),
		stopReq:  make(chan struct{}),
		done:     make(chan struct{}),
		status:   StatusRecording,
	}, nil
}

// MimeType reports the probed container format.
func (c *Controller) MimeType() string { return c.enc.MimeType }

// Start begins consuming frames. The session ends on Stop or when ctx is
// cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.startedAt = time.Now()
	go c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)

	chunkTick := time.NewTicker(c.cfg.ChunkInterval)
	defer chunkTick.Stop()
	flushTick := time.NewTicker(c.cfg.FlushInterval)
	defer flushTick.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finalize()
			return
		case <-c.stopReq:
			c.finalize()
			return
		case pcm := <-c.frames:
			if err := c.writeFrame(pcm); err != nil {
				c.fail(err)
				return
			}
		case <-chunkTick.C:
			c.cw.seal()
		case <-flushTick.C:
			c.cw.seal()
		case ack := <-c.flushReq:
			c.cw.seal()
			close(ack)
		}
	}
}

func (c *Controller) writeFrame(pcm []int16) error {
	pts := c.Elapsed()
	if err := c.fw.WriteFrame(pcm, pts); err != nil {
		return err
	}
	c.samplesWritten.Add(int64(len(pcm)))
	return nil
}

// finalize drains the frame queue, closes the container and seals the tail
// as the mandatory final chunk.
func (c *Controller) finalize() {
	for {
		select {
		case pcm := <-c.frames:
			if err := c.writeFrame(pcm); err != nil {
				c.fail(err)
				return
			}
		default:
			if err := c.fw.Close(); err != nil {
				c.fail(fmt.Errorf("failed to finalize container: %w", err))
				return
			}
			c.cw.seal()
			c.setStatusLocked(StatusStopped, nil)
			return
		}
	}
}

func (c *Controller) fail(err error) {
	c.logger.Error("recording failed", zap.Error(err))
	c.cw.seal()
	c.setStatusLocked(StatusFailed, err)
}

func (c *Controller) setStatusLocked(s Status, err error) {
	c.mu.Lock()
	c.status = s
	if err != nil {
		c.runErr = err
	}
	c.mu.Unlock()
}

// PushFrame hands one mixed PCM frame to the session. Frames pushed after
// Stop, or while the queue is saturated, are dropped.
func (c *Controller) PushFrame(pcm []int16) {
	frame := make([]int16, len(pcm))
	copy(frame, pcm)

	select {
	case <-c.done:
	case c.frames <- frame:
	default:
		c.logger.Warn("recording frame queue full, dropping frame")
	}
}

// Flush seals everything buffered so far into a chunk and waits for the
// seal to complete.
func (c *Controller) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.flushReq <- ack:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session and returns the assembled recording. It blocks
// until the final flush has landed; concatenation never runs ahead of it.
func (c *Controller) Stop(ctx context.Context) (Blob, error) {
	c.stopOnce.Do(func() { close(c.stopReq) })

	select {
	case <-c.done:
	case <-ctx.Done():
		return Blob{}, ctx.Err()
	}

	c.mu.Lock()
	runErr := c.runErr
	c.mu.Unlock()

	blob := Blob{
		Data:      c.cw.concat(),
		MimeType:  c.enc.MimeType,
		RoomID:    c.roomID,
		StartedAt: c.startedAt,
		Duration:  c.Elapsed(),
	}
	return blob, runErr
}

// Elapsed is the audio time written so far, derived from sample count
// rather than wall clock.
func (c *Controller) Elapsed() time.Duration {
	return time.Duration(c.samplesWritten.Load()) * time.Second / time.Duration(c.cfg.SampleRate)
}

// BytesBuffered is the total recording data currently held in memory.
func (c *Controller) BytesBuffered() int64 {
	return c.cw.bytesTotal()
}

// ChunkCount reports how many chunks have been sealed.
func (c *Controller) ChunkCount() int {
	return c.cw.chunkCount()
}

// Status reports where the recording is in its lifecycle.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus advances the lifecycle as the pipeline processes the blob.
func (c *Controller) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
